// Package maintenance runs periodic housekeeping on the reminder store.
//
// The only job today is garbage collection: records that reached a terminal
// status longer ago than the retention are deleted on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// Pruner deletes terminal records last updated before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	Enabled   bool
	Schedule  string        // cron spec or descriptor, default "@daily"
	Retention time.Duration // zero disables pruning
	Timeout   time.Duration // per run, default 1m
	Location  *time.Location
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@daily"
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Snapshot reports the GC state for health output.
type Snapshot struct {
	Enabled    bool      `json:"enabled"`
	Schedule   string    `json:"schedule,omitempty"`
	Next       time.Time `json:"next,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastPruned int       `json:"last_pruned"`
	LastError  string    `json:"last_error,omitempty"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron spec without starting anything.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	return nil
}

// Service triggers Prune on a cron schedule.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	entry cron.EntryID
	ctx   context.Context

	store Pruner
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	runMu      sync.Mutex // one run at a time
	lastRun    time.Time
	lastPruned int
	lastErr    error
}

func New(cfg Config, store Pruner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, log: log, bus: bus, now: time.Now}
}

func (s *Service) active(cfg Config) bool { return cfg.Enabled && cfg.Retention > 0 }

// Start schedules the GC job. Runs use ctx as their parent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	if !s.active(cfg) {
		s.log.Info("gc disabled")
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(cfg.Location))
	id, err := c.AddFunc(cfg.Schedule, func() {
		if _, err := s.RunOnce(s.ctx); err != nil {
			s.log.Warn("gc run failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance.schedule %q: %w", cfg.Schedule, err)
	}
	s.c, s.entry = c, id
	c.Start()
	s.log.Info("gc scheduled", logx.String("schedule", cfg.Schedule), logx.Duration("retention", cfg.Retention))
	return nil
}

// Stop halts the cron and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply reschedules with cfg when the service is running.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if s.active(cfg) {
		if err := ValidateSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil // not started
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	return s.startLocked()
}

// RunOnce prunes terminal records older than the retention right now.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.Retention <= 0 {
		return 0, nil
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	start := s.now()
	cutoff := start.Add(-cfg.Retention)
	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	n, err := s.store.Prune(rctx, cutoff)
	cancel()

	s.lastRun, s.lastPruned, s.lastErr = start, n, err
	if err != nil {
		return n, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.log.Info("gc finished", logx.Int("pruned", n), logx.Time("cutoff", cutoff), logx.Duration("took", time.Since(start)))
	eventbus.Emit(s.bus, "maintenance.pruned", map[string]any{"count": n, "cutoff": cutoff})
	return n, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c, entry := s.c, s.entry
	s.mu.Unlock()

	snap := Snapshot{Enabled: s.active(cfg) && c != nil, Schedule: cfg.Schedule}
	if c != nil {
		snap.Next = c.Entry(entry).Next
	}
	s.runMu.Lock()
	snap.LastRun, snap.LastPruned = s.lastRun, s.lastPruned
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	s.runMu.Unlock()
	return snap
}
