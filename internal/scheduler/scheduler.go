package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// maxSleep bounds a single wait so wall clock jumps are noticed.
const maxSleep = time.Minute

// Scheduler owns every active reminder of the process. It keeps them in a
// due index, fires them through the notifier when due and persists each
// transition to the store.
//
// One mutex serializes Schedule, Cancel, pop-and-handoff and the outcome of
// a delivery, so a cancel that was accepted can never race a firing.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	idx      *index
	inflight map[string]reminder.Record
	deferred map[string]reminder.Record // latest unpersisted state per id
	running  bool
	sup      *rtsup.Supervisor

	wake chan struct{}

	store    storage.Store
	notifier notifier.Notifier
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *Metrics
	now      func() time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(s *Scheduler) { s.bus = b } }
func WithMetrics(m *Metrics) Option     { return func(s *Scheduler) { s.metrics = m } }

// WithClock replaces time.Now. Timers still use the real clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(cfg Config, store storage.Store, n notifier.Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		idx:      newIndex(),
		inflight: map[string]reminder.Record{},
		deferred: map[string]reminder.Record{},
		wake:     make(chan struct{}, 1),
		store:    store,
		notifier: n,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Apply swaps tuning values. Entries already waiting for a retry keep their
// wake time.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor exposes the wake loop for health output (nil when stopped).
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start loads every active reminder from the store and starts the wake loop.
// A failing store is retried every tick until ctx ends. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	recs, err := s.loadActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	idx := newIndex()
	for _, r := range recs {
		if _, busy := s.inflight[r.ID]; busy {
			continue
		}
		idx.put(r, r.DueAt, 0)
	}
	// Unpersisted transitions are newer than what the store returned.
	for id, r := range s.deferred {
		if r.Status == reminder.StatusActive {
			idx.put(r, r.DueAt, 0)
		} else {
			idx.remove(id)
		}
	}
	s.idx = idx
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler.supervisor"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.observeLocked()
	n := idx.len()
	s.mu.Unlock()

	sup.GoRestart("reminders.wake_loop", s.run,
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		rtsup.WithRestartOnCleanExit(true),
	)
	s.log.Info("scheduler started", logx.Int("active", n))
	return nil
}

func (s *Scheduler) loadActive(ctx context.Context) ([]reminder.Record, error) {
	for attempt := 1; ; attempt++ {
		recs, err := s.store.List(ctx, storage.Filter{Status: reminder.StatusActive})
		if err == nil {
			return recs, nil
		}
		if !storage.IsStorageError(err) {
			return nil, err
		}
		s.metrics.StoreErrors.WithLabelValues("load").Inc()
		tick := s.config().Tick
		s.log.Warn("loading reminders failed; retrying", logx.Int("attempt", attempt), logx.Duration("in", tick), logx.Err(err))
		t := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Stop ends the wake loop and waits for an in-flight delivery, bounded by
// ctx. Pending writes get one last flush.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)

	s.mu.Lock()
	s.flushLocked(ctx)
	left := len(s.deferred)
	s.mu.Unlock()
	if left > 0 {
		s.log.Error("scheduler stopped with unpersisted writes", logx.Int("count", left))
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Schedule validates rec, writes it to the store and indexes it. An id that
// is already indexed is updated in place. Ids being delivered or already
// cancelled or completed are rejected. A store write failure does not
// reject the reminder: the write is retried on later ticks while the
// reminder stays indexed.
func (s *Scheduler) Schedule(ctx context.Context, rec reminder.Record) error {
	rec = rec.Trimmed()
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status != reminder.StatusActive {
		return fmt.Errorf("%w: cannot schedule a %s reminder", reminder.ErrInvalidRequest, rec.Status)
	}
	rec.DueAt = reminder.Millis(rec.DueAt)
	rec.CreatedAt = reminder.Millis(rec.CreatedAt)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	s.mu.Lock()
	if _, busy := s.inflight[rec.ID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: reminder %s is being delivered", reminder.ErrInvalidRequest, rec.ID)
	}
	_, indexed := s.idx.get(rec.ID)
	if !indexed {
		if err := s.checkResolvedLocked(ctx, rec.ID); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.persistLocked(ctx, rec, "schedule")
	s.idx.put(rec, rec.DueAt, 0)
	earliest := s.idx.peek().rec.ID == rec.ID
	if !indexed {
		s.metrics.Scheduled.Inc()
	}
	s.observeLocked()
	s.mu.Unlock()

	msg := "reminder scheduled"
	if indexed {
		msg = "reminder rescheduled"
	}
	s.log.Debug(msg, logx.Reminder(rec.ID), logx.Time("due_at", rec.DueAt), logx.String("recurrence", string(rec.Recurrence)))
	if earliest {
		s.signal()
	}
	return nil
}

// checkResolvedLocked rejects an id the scheduler or the store already
// knows as cancelled or completed. An unreachable store does not block
// scheduling; ids are random so reuse is only a caller bug.
func (s *Scheduler) checkResolvedLocked(ctx context.Context, id string) error {
	prev, ok := s.deferred[id]
	if !ok {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
		r, err := s.store.Get(sctx, id)
		cancel()
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case err != nil:
			s.metrics.StoreErrors.WithLabelValues("get").Inc()
			s.log.Warn("could not check id before scheduling", logx.Reminder(id), logx.Err(err))
			return nil
		}
		prev = r
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: reminder %s is already %s", reminder.ErrInvalidRequest, id, prev.Status)
	}
	return nil
}

// Cancel removes an indexed reminder and marks it cancelled. It returns
// false when id is unknown, already terminal, or being delivered right now.
//
// When the cancel took effect but could not be persisted, Cancel returns
// true with the storage error; the write is retried on later ticks.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.cancelLocked(ctx, id)
	s.observeLocked()
	return ok, err
}

func (s *Scheduler) cancelLocked(ctx context.Context, id string) (bool, error) {
	if _, busy := s.inflight[id]; busy {
		return false, nil
	}
	e, ok := s.idx.remove(id)
	if !ok {
		return false, nil
	}
	rec := e.rec
	rec.Status = reminder.StatusCancelled
	rec.UpdatedAt = reminder.Millis(s.now())
	err := s.persistLocked(ctx, rec, "cancel")
	s.metrics.Cancelled.Inc()
	s.emit(EventCancelled, rec, 0, nil)
	s.log.Info("reminder cancelled", logx.Reminder(id), logx.String("owner", rec.OwnerID))
	return true, err
}

// persistLocked writes rec bounded by the store timeout. Failures are kept
// as deferred writes and returned.
func (s *Scheduler) persistLocked(ctx context.Context, rec reminder.Record, op string) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.Upsert(sctx, rec); err != nil {
		s.deferred[rec.ID] = rec
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
		s.log.Warn("store write deferred", logx.Reminder(rec.ID), logx.String("op", op), logx.String("status", string(rec.Status)), logx.Err(err))
		return err
	}
	delete(s.deferred, rec.ID)
	return nil
}

func (s *Scheduler) flushLocked(ctx context.Context) {
	if len(s.deferred) == 0 {
		return
	}
	pending := make([]reminder.Record, 0, len(s.deferred))
	for _, r := range s.deferred {
		pending = append(pending, r)
	}
	sort.Slice(pending, func(i, j int) bool { return reminder.Less(pending[i], pending[j]) })
	for _, r := range pending {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
		err := s.store.Upsert(sctx, r)
		cancel()
		if err != nil {
			s.metrics.StoreErrors.WithLabelValues("flush").Inc()
			s.log.Debug("deferred write still failing", logx.Reminder(r.ID), logx.Err(err))
			// The store is likely down; try the rest next tick.
			break
		}
		delete(s.deferred, r.ID)
		s.log.Info("deferred write persisted", logx.Reminder(r.ID), logx.String("status", string(r.Status)))
	}
	s.observeLocked()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		s.mu.Lock()
		s.flushLocked(ctx)
		s.mu.Unlock()

		s.dispatchDue(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		var wait <-chan time.Time
		if d, ok := s.nextDelay(); ok {
			timer.Reset(d)
			wait = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-wait:
		}
		stopTimer(timer)
	}
}

// nextDelay reports how long the loop may sleep; false means until woken.
func (s *Scheduler) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.idx.peek()
	if e == nil && len(s.deferred) == 0 {
		return 0, false
	}
	d := maxSleep
	if e != nil {
		d = min(d, max(0, e.wakeAt.Sub(s.now())))
	}
	if len(s.deferred) > 0 {
		d = min(d, s.cfg.Tick)
	}
	return d, true
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// dispatchDue fires every due entry in order. Each pop marks the entry in
// flight inside the critical section Cancel uses.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		e := s.idx.popDue(s.now())
		if e == nil {
			s.mu.Unlock()
			return
		}
		s.inflight[e.rec.ID] = e.rec
		s.observeLocked()
		s.mu.Unlock()

		s.dispatch(ctx, e)
	}
}

func (s *Scheduler) observeLocked() {
	s.metrics.Indexed.Set(float64(s.idx.len()))
	s.metrics.InFlight.Set(float64(len(s.inflight)))
	s.metrics.Deferred.Set(float64(len(s.deferred)))
}

func (s *Scheduler) emit(typ string, rec reminder.Record, attempt int, err error) {
	ev := Event{ID: rec.ID, OwnerID: rec.OwnerID, DueAt: rec.DueAt, Attempt: attempt}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}

// Snapshot reports the scheduler's current state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.running,
		Indexed:  s.idx.len(),
		InFlight: len(s.inflight),
		Deferred: len(s.deferred),
	}
	if e := s.idx.peek(); e != nil {
		snap.NextWake = e.wakeAt
	}
	return snap
}

// Active returns every active reminder the scheduler holds, including those
// being delivered, ordered by due time.
func (s *Scheduler) Active() []reminder.Record {
	s.mu.Lock()
	out := make([]reminder.Record, 0, s.idx.len()+len(s.inflight))
	for _, e := range s.idx.h {
		out = append(out, e.rec)
	}
	for _, r := range s.inflight {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return reminder.Less(out[i], out[j]) })
	return out
}
