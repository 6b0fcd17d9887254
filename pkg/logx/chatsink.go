package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSink posts a formatted log line to a chat. The Telegram adapter
// implements it.
type ChatSink interface {
	PostLog(ctx context.Context, chatID int64, threadID int, text string) error
}

const chatLineLimit = 3500

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink is a zerolog.LevelWriter that forwards events to a ChatSink from
// a single background worker. Logging never blocks on the network: lines
// over the rate or queue capacity are dropped.
type chatSink struct {
	sink ChatSink

	mu       sync.Mutex
	enabled  bool
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan chatLine
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newChatSink(sink ChatSink) *chatSink {
	return &chatSink{sink: sink, queue: make(chan chatLine, 256)}
}

// configure applies cfg and reports whether the sink should be attached.
func (c *chatSink) configure(cfg ChatConfig) bool {
	if c == nil || c.sink == nil {
		return false
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	c.mu.Lock()
	c.enabled = cfg.Enabled && cfg.ChatID != 0
	c.chatID = cfg.ChatID
	c.threadID = cfg.ThreadID
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	enabled := c.enabled
	c.mu.Unlock()

	if !enabled {
		return false
	}
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(ctx)
		}()
	})
	return true
}

func (c *chatSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			_ = c.sink.PostLog(ctx, ln.chatID, ln.threadID, ln.text)
		}
	}
}

func (c *chatSink) close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	enabled, chatID, threadID := c.enabled, c.chatID, c.threadID
	minLvl, lim := c.minLevel, c.limiter
	c.mu.Unlock()

	if !enabled || level < minLvl || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatChatLine renders a zerolog JSON event as "[LEVEL] message" followed
// by one "- key=value" line per field, keys sorted.
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatLineLimit)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), chatLineLimit)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
