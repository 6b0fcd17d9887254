package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const defaultTimeout = 15 * time.Second

// Manager routes incoming chat commands to handlers on a bounded worker pool.
type Manager struct {
	mu    sync.RWMutex
	cmds  map[string]Command // name or alias -> command
	order []Command

	log    logx.Logger
	sender kit.Sender

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewManager(log logx.Logger, sender kit.Sender) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:   map[string]Command{},
		log:    log,
		sender: sender,
		jobs:   make(chan func(), 256),
	}
}

// Supervisor returns the worker supervisor (nil if not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetRegistry replaces the command set. A help command is always added.
func (m *Manager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText())
		},
	})

	table := map[string]Command{}
	order := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := table[a]; !taken {
					table[a] = c
				}
			}
		}
		order = append(order, c)
	}

	m.mu.Lock()
	m.cmds = table
	m.order = order
	m.mu.Unlock()
}

// PublishMenu pushes the command list to the platform when it supports a
// command menu.
func (m *Manager) PublishMenu(ctx context.Context) error {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	menu := make([]kit.BotCommand, 0, len(m.order))
	for _, c := range m.order {
		if c.Name == "help" {
			continue
		}
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	m.mu.RUnlock()
	sort.Slice(menu, func(i, j int) bool { return menu[i].Command < menu[j].Command })

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range m.order {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nDelays look like 10m, 2h30m, 1d12h or 2w.")
	return b.String()
}

// DispatchLoop reads updates until ctx ends or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "commands.supervisor"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Manager) route(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := *up.Message
	word, rest, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	m.mu.RLock()
	cmd, found := m.cmds[word]
	m.mu.RUnlock()
	if !found {
		// Groups see commands meant for other bots; stay quiet there.
		if msg.Private {
			_, _ = m.sender.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "unknown command, try /help", nil)
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    strings.Fields(rest),
		Rest:    rest,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
		),
		sender: m.sender,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = m.sender.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}
