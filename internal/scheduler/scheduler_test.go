package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
)

// flakyStore wraps a Store and fails writes or loads on demand.
type flakyStore struct {
	storage.Store
	mu         sync.Mutex
	failUpsert bool
	failList   int
}

func (f *flakyStore) setFailUpsert(v bool) {
	f.mu.Lock()
	f.failUpsert = v
	f.mu.Unlock()
}

func (f *flakyStore) Upsert(ctx context.Context, rec reminder.Record) error {
	f.mu.Lock()
	fail := f.failUpsert
	f.mu.Unlock()
	if fail {
		return &storage.StorageError{Op: "upsert", Err: errors.New("disk unavailable")}
	}
	return f.Store.Upsert(ctx, rec)
}

func (f *flakyStore) List(ctx context.Context, flt storage.Filter) ([]reminder.Record, error) {
	f.mu.Lock()
	if f.failList > 0 {
		f.failList--
		f.mu.Unlock()
		return nil, &storage.StorageError{Op: "list", Err: errors.New("connection refused")}
	}
	f.mu.Unlock()
	return f.Store.List(ctx, flt)
}

type recordingNotifier struct {
	mu    sync.Mutex
	got   []notifier.Delivery
	calls map[string]int
	// fail decides the outcome of the n-th attempt (1-based) for a reminder.
	fail    func(d notifier.Delivery, n int) error
	release chan struct{}
	entered chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{calls: map[string]int{}}
}

func (r *recordingNotifier) Deliver(ctx context.Context, d notifier.Delivery) error {
	r.mu.Lock()
	r.calls[d.ReminderID]++
	n := r.calls[d.ReminderID]
	fail, release, entered := r.fail, r.release, r.entered
	r.mu.Unlock()

	if entered != nil {
		entered <- d.ReminderID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(d, n); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.got = append(r.got, d)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.got))
	for _, d := range r.got {
		ids = append(ids, d.ReminderID)
	}
	return ids
}

func (r *recordingNotifier) attempts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func testConfig() Config {
	return Config{
		Tick:           10 * time.Millisecond,
		RetryMax:       3,
		RetryInterval:  10 * time.Millisecond,
		DeliverTimeout: time.Second,
		StoreTimeout:   time.Second,
		MinDelay:       time.Millisecond,
	}
}

func startScheduler(t *testing.T, cfg Config, st storage.Store, n notifier.Notifier, opts ...Option) (*Scheduler, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	s := New(cfg, st, n, append([]Option{WithMetrics(m)}, opts...)...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func record(id, owner, community string, due, created time.Time) reminder.Record {
	return reminder.Record{
		ID:            id,
		OwnerID:       owner,
		CommunityID:   community,
		DestinationID: community,
		Text:          "reminder " + id,
		DueAt:         reminder.Millis(due),
		Recurrence:    reminder.RecurNone,
		OriginalDelay: due.Sub(created),
		CreatedAt:     reminder.Millis(created),
		UpdatedAt:     reminder.Millis(created),
		Status:        reminder.StatusActive,
	}
}

func storedStatus(st storage.Store, id string) reminder.Status {
	r, err := st.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return r.Status
}

func TestOneShotFiresAndCompletes(t *testing.T) {
	st := storage.NewMemory()
	n := newRecordingNotifier()
	s, m := startScheduler(t, testConfig(), st, n)

	now := time.Now()
	if err := s.Schedule(context.Background(), record("a", "1", "", now.Add(30*time.Millisecond), now)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := storedStatus(st, "a"); got != reminder.StatusActive {
		t.Fatalf("stored before firing = %q, want active", got)
	}
	eventually(t, "completion", func() bool { return storedStatus(st, "a") == reminder.StatusCompleted })

	if got := n.delivered(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("delivered = %v", got)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("active = %v", s.Active())
	}
	if v := testutil.ToFloat64(m.Fired); v != 1 {
		t.Fatalf("fired_total = %v", v)
	}
	if v := testutil.ToFloat64(m.Completed); v != 1 {
		t.Fatalf("completed_total = %v", v)
	}
	if v := testutil.ToFloat64(m.Indexed); v != 0 {
		t.Fatalf("indexed gauge = %v", v)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	st := storage.NewMemory()
	n := newRecordingNotifier()
	s, m := startScheduler(t, testConfig(), st, n)
	ctx := context.Background()

	now := time.Now()
	if err := s.Schedule(ctx, record("a", "1", "", now.Add(150*time.Millisecond), now)); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Cancel(ctx, "a")
	if !ok || err != nil {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if ok, _ := s.Cancel(ctx, "a"); ok {
		t.Fatal("second cancel accepted")
	}
	if ok, _ := s.Cancel(ctx, "missing"); ok {
		t.Fatal("cancel of unknown id accepted")
	}

	time.Sleep(250 * time.Millisecond)
	if got := n.delivered(); len(got) != 0 {
		t.Fatalf("cancelled reminder delivered: %v", got)
	}
	if got := storedStatus(st, "a"); got != reminder.StatusCancelled {
		t.Fatalf("stored = %q", got)
	}
	if v := testutil.ToFloat64(m.Cancelled); v != 1 {
		t.Fatalf("cancelled_total = %v", v)
	}
}

func TestCancelWhileDeliveringIsRejected(t *testing.T) {
	st := storage.NewMemory()
	n := newRecordingNotifier()
	n.release = make(chan struct{})
	n.entered = make(chan string, 1)
	s, _ := startScheduler(t, testConfig(), st, n)
	ctx := context.Background()

	now := time.Now()
	if err := s.Schedule(ctx, record("a", "1", "", now, now)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}
	if ok, _ := s.Cancel(ctx, "a"); ok {
		t.Fatal("cancel accepted while delivering")
	}
	if snap := s.Snapshot(); snap.InFlight != 1 || snap.Indexed != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	close(n.release)
	eventually(t, "completion", func() bool { return storedStatus(st, "a") == reminder.StatusCompleted })
}

func TestCancelAllForUser(t *testing.T) {
	st := storage.NewMemory()
	s, _ := startScheduler(t, testConfig(), st, newRecordingNotifier())
	ctx := context.Background()

	now := time.Now()
	due := now.Add(time.Hour)
	for _, r := range []reminder.Record{
		record("a", "u1", "-100", due, now),
		record("b", "u1", "-100", due, now),
		record("c", "u1", "", due, now),
		record("d", "u2", "-100", due, now),
	} {
		if err := s.Schedule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	group := "-100"
	if n := s.CancelAllForUser(ctx, "u1", &group); n != 2 {
		t.Fatalf("scoped cancel = %d, want 2", n)
	}
	if n := s.CancelAllForUser(ctx, "u1", nil); n != 1 {
		t.Fatalf("unscoped cancel = %d, want 1", n)
	}
	if n := s.CancelAllForUser(ctx, "u1", nil); n != 0 {
		t.Fatalf("repeat cancel = %d, want 0", n)
	}
	active := s.Active()
	if len(active) != 1 || active[0].ID != "d" {
		t.Fatalf("active = %v", active)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := storedStatus(st, id); got != reminder.StatusCancelled {
			t.Fatalf("%s stored = %q", id, got)
		}
	}
}

func TestRequestsMatchTrimmedIdentifiers(t *testing.T) {
	st := storage.NewMemory()
	s, _ := startScheduler(t, testConfig(), st, newRecordingNotifier())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.CreateReminder(ctx, CreateRequest{
			OwnerID: " u1 ", CommunityID: " -100 ", Text: "stand up", Delay: time.Hour,
		}); err != nil {
			t.Fatal(err)
		}
	}
	padded := record(" p ", " u1 ", "", time.Now().Add(time.Hour), time.Now())
	if err := s.Schedule(ctx, padded); err != nil {
		t.Fatal(err)
	}
	if r, err := s.Get(ctx, " p "); err != nil || r.ID != "p" || r.OwnerID != "u1" {
		t.Fatalf("Get = %+v, %v", r, err)
	}
	if got := storedStatus(st, "p"); got != reminder.StatusActive {
		t.Fatalf("stored under trimmed id = %q", got)
	}

	group := " -100 "
	if got := s.ListForUser(" u1", &group); len(got) != 2 {
		t.Fatalf("ListForUser = %d, want 2", len(got))
	}
	if n := s.CancelAllForUser(ctx, "u1 ", &group); n != 2 {
		t.Fatalf("CancelAllForUser = %d, want 2", n)
	}
	if ok, err := s.Cancel(ctx, "p "); !ok || err != nil {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("active = %v", s.Active())
	}
}

func TestCancelAllCountsOnlyCancellable(t *testing.T) {
	st := storage.NewMemory()
	n := newRecordingNotifier()
	n.release = make(chan struct{})
	n.entered = make(chan string, 1)
	s, _ := startScheduler(t, testConfig(), st, n)
	ctx := context.Background()

	now := time.Now()
	if err := s.Schedule(ctx, record("busy", "u1", "", now, now)); err != nil {
		t.Fatal(err)
	}
	<-n.entered
	for _, id := range []string{"x", "y", "z"} {
		if err := s.Schedule(ctx, record(id, "u1", "", now.Add(time.Hour), now)); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.CancelAllForUser(ctx, "u1", nil); got != 3 {
		t.Fatalf("CancelAllForUser = %d, want 3 of 4", got)
	}
	close(n.release)
	eventually(t, "in-flight completion", func() bool { return storedStatus(st, "busy") == reminder.StatusCompleted })
}

func TestStartRecoversActiveRecords(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()

	past := record("past", "1", "", now.Add(-time.Hour), now.Add(-2*time.Hour))
	future := record("future", "1", "", now.Add(time.Hour), now)
	done := record("done", "1", "", now.Add(-time.Hour), now.Add(-2*time.Hour))
	done.Status = reminder.StatusCompleted
	for _, r := range []reminder.Record{past, future, done} {
		if err := st.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n := newRecordingNotifier()
	s, _ := startScheduler(t, testConfig(), st, n)
	eventually(t, "past-due firing", func() bool { return storedStatus(st, "past") == reminder.StatusCompleted })

	if got := n.delivered(); len(got) != 1 || got[0] != "past" {
		t.Fatalf("delivered = %v", got)
	}
	active := s.Active()
	if len(active) != 1 || active[0].ID != "future" {
		t.Fatalf("active = %v", active)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if len(s.Active()) != 1 {
		t.Fatal("second Start changed the index")
	}
}

func TestStartRetriesFailingLoad(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), failList: 2}
	now := time.Now()
	if err := st.Store.Upsert(context.Background(), record("a", "1", "", now.Add(time.Hour), now)); err != nil {
		t.Fatal(err)
	}
	s, m := startScheduler(t, testConfig(), st, newRecordingNotifier())
	if len(s.Active()) != 1 {
		t.Fatalf("active = %v", s.Active())
	}
	if v := testutil.ToFloat64(m.StoreErrors.WithLabelValues("load")); v != 2 {
		t.Fatalf("load errors = %v", v)
	}
}

func TestStartGivesUpWhenContextEnds(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), failList: 1 << 30}
	s := New(testConfig(), st, newRecordingNotifier())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start = %v", err)
	}
}

func TestEqualDueFiresInCreationOrder(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	due := time.Now().Add(-time.Minute)
	base := due.Add(-time.Hour)
	want := []string{"first", "second", "third", "fourth"}
	// Insert newest first so the store's natural order cannot help.
	for i := len(want) - 1; i >= 0; i-- {
		if err := st.Upsert(ctx, record(want[i], "1", "", due, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	n := newRecordingNotifier()
	startScheduler(t, testConfig(), st, n)
	eventually(t, "all deliveries", func() bool { return len(n.delivered()) == len(want) })
	if got := n.delivered(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestRecurringReminderAdvances(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()
	rec := record("daily", "1", "", now.Add(-time.Hour), now.Add(-2*time.Hour))
	rec.Recurrence = reminder.RecurDaily
	if err := st.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	n := newRecordingNotifier()
	s, m := startScheduler(t, testConfig(), st, n)
	want := rec.DueAt.Add(24 * time.Hour)
	eventually(t, "reschedule", func() bool {
		r, err := st.Get(ctx, "daily")
		return err == nil && r.DueAt.Equal(want)
	})

	r, _ := st.Get(ctx, "daily")
	if r.Status != reminder.StatusActive {
		t.Fatalf("status = %q", r.Status)
	}
	active := s.Active()
	if len(active) != 1 || !active[0].DueAt.Equal(want) {
		t.Fatalf("active = %v", active)
	}
	if len(n.delivered()) != 1 {
		t.Fatalf("delivered = %v", n.delivered())
	}
	if v := testutil.ToFloat64(m.Rescheduled); v != 1 {
		t.Fatalf("rescheduled_total = %v", v)
	}
}

func TestDeliveryRetries(t *testing.T) {
	transient := fmt.Errorf("%w: timeout", notifier.ErrDelivery)
	tests := []struct {
		name      string
		retryMax  int
		fail      func(d notifier.Delivery, n int) error
		attempts  int
		fired     float64
		transient float64
		permanent float64
	}{
		{
			name:     "recovers",
			retryMax: 3,
			fail: func(_ notifier.Delivery, n int) error {
				if n == 1 {
					return transient
				}
				return nil
			},
			attempts: 2, fired: 1, transient: 1,
		},
		{
			name:      "exhausted",
			retryMax:  2,
			fail:      func(notifier.Delivery, int) error { return transient },
			attempts:  3,
			transient: 3,
		},
		{
			name:      "permanent",
			retryMax:  3,
			fail:      func(notifier.Delivery, int) error { return notifier.Permanent(transient) },
			attempts:  1,
			permanent: 1,
		},
		{
			name:      "retries disabled",
			retryMax:  0,
			fail:      func(notifier.Delivery, int) error { return transient },
			attempts:  1,
			transient: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storage.NewMemory()
			n := newRecordingNotifier()
			n.fail = tt.fail
			cfg := testConfig()
			cfg.RetryMax = tt.retryMax
			s, m := startScheduler(t, cfg, st, n)

			now := time.Now()
			if err := s.Schedule(context.Background(), record("a", "1", "", now, now)); err != nil {
				t.Fatal(err)
			}
			eventually(t, "completion", func() bool { return storedStatus(st, "a") == reminder.StatusCompleted })

			if got := n.attempts("a"); got != tt.attempts {
				t.Fatalf("attempts = %d, want %d", got, tt.attempts)
			}
			if v := testutil.ToFloat64(m.Fired); v != tt.fired {
				t.Fatalf("fired_total = %v, want %v", v, tt.fired)
			}
			if v := testutil.ToFloat64(m.Failed.WithLabelValues("transient")); v != tt.transient {
				t.Fatalf("transient failures = %v, want %v", v, tt.transient)
			}
			if v := testutil.ToFloat64(m.Failed.WithLabelValues("permanent")); v != tt.permanent {
				t.Fatalf("permanent failures = %v, want %v", v, tt.permanent)
			}
		})
	}
}

func TestExhaustedRecurringMovesToNextSlot(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()
	rec := record("weekly", "1", "", now.Add(-time.Minute), now.Add(-time.Hour))
	rec.Recurrence = reminder.RecurWeekly
	if err := st.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	n := newRecordingNotifier()
	n.fail = func(notifier.Delivery, int) error { return notifier.Permanent(notifier.ErrDelivery) }
	startScheduler(t, testConfig(), st, n)

	want := rec.DueAt.Add(7 * 24 * time.Hour)
	eventually(t, "next slot", func() bool {
		r, err := st.Get(ctx, "weekly")
		return err == nil && r.DueAt.Equal(want) && r.Status == reminder.StatusActive
	})
}

func TestCancelDuringRetryWait(t *testing.T) {
	st := storage.NewMemory()
	n := newRecordingNotifier()
	n.fail = func(notifier.Delivery, int) error { return notifier.ErrDelivery }
	cfg := testConfig()
	cfg.RetryInterval = time.Hour
	s, _ := startScheduler(t, cfg, st, n)
	ctx := context.Background()

	now := time.Now()
	if err := s.Schedule(ctx, record("a", "1", "", now, now)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first attempt", func() bool { return n.attempts("a") == 1 && s.Snapshot().Indexed == 1 })
	if ok, err := s.Cancel(ctx, "a"); !ok || err != nil {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if got := storedStatus(st, "a"); got != reminder.StatusCancelled {
		t.Fatalf("stored = %q", got)
	}
}

func TestDeferredWritesAreFlushed(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory()}
	s, m := startScheduler(t, testConfig(), st, newRecordingNotifier())
	ctx := context.Background()

	st.setFailUpsert(true)
	now := time.Now()
	if err := s.Schedule(ctx, record("a", "1", "", now.Add(time.Hour), now)); err != nil {
		t.Fatalf("Schedule should accept despite store failure: %v", err)
	}
	if snap := s.Snapshot(); snap.Deferred != 1 || snap.Indexed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, err := st.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record persisted while store was failing: %v", err)
	}
	ok, err := s.Cancel(ctx, "a")
	if !ok || !storage.IsStorageError(err) {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if r, _ := s.Get(ctx, "a"); r.Status != reminder.StatusCancelled {
		t.Fatalf("Get while deferred = %q", r.Status)
	}

	st.setFailUpsert(false)
	eventually(t, "flush", func() bool { return s.Snapshot().Deferred == 0 })
	if got := storedStatus(st, "a"); got != reminder.StatusCancelled {
		t.Fatalf("stored = %q, want the latest state", got)
	}
	if v := testutil.ToFloat64(m.Deferred); v != 0 {
		t.Fatalf("deferred gauge = %v", v)
	}
}

func TestIndexMatchesStore(t *testing.T) {
	st := storage.NewMemory()
	n := newRecordingNotifier()
	s, _ := startScheduler(t, testConfig(), st, n)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 6; i++ {
		due := now.Add(time.Hour)
		if i < 2 {
			due = now
		}
		if err := s.Schedule(ctx, record(fmt.Sprintf("r%d", i), "1", "", due, now)); err != nil {
			t.Fatal(err)
		}
	}
	s.CancelReminder(ctx, "r4")
	s.CancelReminder(ctx, "r5")
	eventually(t, "due deliveries", func() bool { return len(n.delivered()) == 2 && s.Snapshot().InFlight == 0 })

	stored, err := st.List(ctx, storage.Filter{Status: reminder.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	ids := func(rs []reminder.Record) string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		sort.Strings(out)
		return strings.Join(out, ",")
	}
	if a, b := ids(s.Active()), ids(stored); a != b || a != "r2,r3" {
		t.Fatalf("index %q != store %q", a, b)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	st := storage.NewMemory()
	s, _ := startScheduler(t, testConfig(), st, newRecordingNotifier(), WithBus(bus))

	now := time.Now()
	if err := s.Schedule(context.Background(), record("a", "1", "", now, now)); err != nil {
		t.Fatal(err)
	}
	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if strings.HasPrefix(ev.Type, "reminder.") {
				got = append(got, ev.Type)
			}
		case <-timeout:
			t.Fatalf("events = %v", got)
		}
	}
	if got[0] != EventFired || got[1] != EventCompleted {
		t.Fatalf("events = %v", got)
	}
}

func TestCreateReminder(t *testing.T) {
	st := storage.NewMemory()
	cfg := testConfig()
	cfg.MinDelay = time.Minute
	cfg.MaxDelay = 24 * time.Hour
	cfg.MaxTextLen = 10
	// A clock ahead of the wall clock keeps the new reminder from firing.
	fixed := reminder.Millis(time.Now().Add(time.Hour))
	s, _ := startScheduler(t, cfg, st, newRecordingNotifier(), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	bad := []struct {
		name string
		req  CreateRequest
	}{
		{"no owner", CreateRequest{Text: "x", Delay: time.Hour}},
		{"blank text", CreateRequest{OwnerID: "1", Text: "  ", Delay: time.Hour}},
		{"long text", CreateRequest{OwnerID: "1", Text: "12345678901", Delay: time.Hour}},
		{"zero delay", CreateRequest{OwnerID: "1", Text: "x"}},
		{"too soon", CreateRequest{OwnerID: "1", Text: "x", Delay: time.Second}},
		{"too late", CreateRequest{OwnerID: "1", Text: "x", Delay: 25 * time.Hour}},
		{"recurrence", CreateRequest{OwnerID: "1", Text: "x", Delay: time.Hour, Recurrence: "hourly"}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateReminder(ctx, tt.req); !errors.Is(err, reminder.ErrInvalidRequest) {
				t.Fatalf("err = %v", err)
			}
		})
	}
	if all, _ := st.List(ctx, storage.Filter{}); len(all) != 0 {
		t.Fatalf("invalid requests reached the store: %v", all)
	}

	rec, err := s.CreateReminder(ctx, CreateRequest{
		OwnerID: "42", CommunityID: "-100", DestinationID: "-100:5",
		Text: " stretch ", Delay: 90 * time.Minute, Recurrence: reminder.RecurMonthly,
	})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if _, err := uuid.Parse(rec.ID); err != nil {
		t.Fatalf("id %q: %v", rec.ID, err)
	}
	if !rec.DueAt.Equal(fixed.Add(90*time.Minute)) || !rec.CreatedAt.Equal(fixed) || rec.Text != "stretch" {
		t.Fatalf("record = %+v", rec)
	}
	stored, err := st.Get(ctx, rec.ID)
	if err != nil || stored.Status != reminder.StatusActive || stored.Recurrence != reminder.RecurMonthly {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	group := "-100"
	if got := s.ListForUser("42", &group); len(got) != 1 || got[0].ID != rec.ID {
		t.Fatalf("ListForUser = %v", got)
	}
	private := ""
	if got := s.ListForUser("42", &private); len(got) != 0 {
		t.Fatalf("private scope = %v", got)
	}
	if !s.CancelReminder(ctx, rec.ID) {
		t.Fatal("CancelReminder = false")
	}
	if r, err := s.Get(ctx, rec.ID); err != nil || r.Status != reminder.StatusCancelled {
		t.Fatalf("Get = %+v, %v", r, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing = %v", err)
	}
}

func TestScheduleUpdatesIndexedRecord(t *testing.T) {
	st := storage.NewMemory()
	s, m := startScheduler(t, testConfig(), st, newRecordingNotifier())
	ctx := context.Background()
	now := time.Now()
	r := record("a", "1", "", now.Add(time.Hour), now)
	if err := s.Schedule(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.DueAt = reminder.Millis(now.Add(2 * time.Hour))
	if err := s.Schedule(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	active := s.Active()
	if len(active) != 1 || !active[0].DueAt.Equal(r.DueAt) {
		t.Fatalf("active = %+v", active)
	}
	if got, _ := st.Get(ctx, "a"); !got.DueAt.Equal(r.DueAt) {
		t.Fatalf("stored due = %v, want %v", got.DueAt, r.DueAt)
	}
	if v := testutil.ToFloat64(m.Scheduled); v != 1 {
		t.Fatalf("scheduled_total = %v", v)
	}

	done := record("b", "1", "", now.Add(time.Hour), now)
	done.Status = reminder.StatusCompleted
	if err := s.Schedule(ctx, done); !errors.Is(err, reminder.ErrInvalidRequest) {
		t.Fatalf("terminal: %v", err)
	}
}

func TestScheduleMovesDueTimeEarlier(t *testing.T) {
	n := newRecordingNotifier()
	s, _ := startScheduler(t, testConfig(), storage.NewMemory(), n)
	ctx := context.Background()
	now := time.Now()
	r := record("b", "1", "", now.Add(time.Hour), now)
	if err := s.Schedule(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.DueAt = reminder.Millis(time.Now().Add(30 * time.Millisecond))
	if err := s.Schedule(ctx, r); err != nil {
		t.Fatalf("move earlier: %v", err)
	}
	eventually(t, "delivery at the new due time", func() bool { return len(n.delivered()) == 1 })
	if got := n.delivered(); got[0] != "b" {
		t.Fatalf("delivered = %v", got)
	}
}

func TestScheduleRejectsResolvedIDs(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("cancelled", func(t *testing.T) {
		st := storage.NewMemory()
		s, _ := startScheduler(t, testConfig(), st, newRecordingNotifier())
		r := record("a", "1", "", now.Add(time.Hour), now)
		if err := s.Schedule(ctx, r); err != nil {
			t.Fatal(err)
		}
		if ok, err := s.Cancel(ctx, "a"); !ok || err != nil {
			t.Fatalf("Cancel = %v, %v", ok, err)
		}
		if err := s.Schedule(ctx, r); !errors.Is(err, reminder.ErrInvalidRequest) {
			t.Fatalf("re-schedule after cancel: %v", err)
		}
		if got := storedStatus(st, "a"); got != reminder.StatusCancelled {
			t.Fatalf("stored = %q, want cancelled", got)
		}
		if len(s.Active()) != 0 {
			t.Fatalf("active = %v", s.Active())
		}
	})

	t.Run("completed in store", func(t *testing.T) {
		st := storage.NewMemory()
		done := record("c", "1", "", now.Add(-time.Hour), now.Add(-2*time.Hour))
		done.Status = reminder.StatusCompleted
		if err := st.Upsert(ctx, done); err != nil {
			t.Fatal(err)
		}
		s, _ := startScheduler(t, testConfig(), st, newRecordingNotifier())
		if err := s.Schedule(ctx, record("c", "1", "", now.Add(time.Hour), now)); !errors.Is(err, reminder.ErrInvalidRequest) {
			t.Fatalf("reuse of completed id: %v", err)
		}
		if got := storedStatus(st, "c"); got != reminder.StatusCompleted {
			t.Fatalf("stored = %q, want completed", got)
		}
	})

	t.Run("cancel not yet persisted", func(t *testing.T) {
		st := &flakyStore{Store: storage.NewMemory()}
		s, _ := startScheduler(t, testConfig(), st, newRecordingNotifier())
		r := record("d", "1", "", now.Add(time.Hour), now)
		if err := s.Schedule(ctx, r); err != nil {
			t.Fatal(err)
		}
		st.setFailUpsert(true)
		if ok, _ := s.Cancel(ctx, "d"); !ok {
			t.Fatal("cancel rejected")
		}
		if err := s.Schedule(ctx, r); !errors.Is(err, reminder.ErrInvalidRequest) {
			t.Fatalf("re-schedule over deferred cancel: %v", err)
		}
		st.setFailUpsert(false)
		eventually(t, "deferred cancel flushed", func() bool { return storedStatus(st, "d") == reminder.StatusCancelled })
	})
}

func TestIndexOrdering(t *testing.T) {
	x := newIndex()
	now := time.Now()
	x.put(record("late", "1", "", now.Add(time.Hour), now), now.Add(time.Hour), 0)
	x.put(record("b", "1", "", now, now.Add(time.Second)), now, 0)
	x.put(record("a", "1", "", now, now), now, 0)
	x.put(record("gone", "1", "", now, now), now, 0)
	if _, ok := x.remove("gone"); !ok {
		t.Fatal("remove failed")
	}
	if _, ok := x.remove("gone"); ok {
		t.Fatal("double remove succeeded")
	}

	var got []string
	for e := x.popDue(now); e != nil; e = x.popDue(now) {
		got = append(got, e.rec.ID)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Fatalf("popped = %v", got)
	}
	if x.len() != 1 || x.peek().rec.ID != "late" {
		t.Fatalf("remaining = %d", x.len())
	}

	// Moving an entry earlier must reorder the heap.
	x.put(record("late", "1", "", now.Add(time.Hour), now), now, 2)
	if e := x.popDue(now); e == nil || e.attempts != 2 {
		t.Fatalf("re-put entry = %+v", e)
	}
}
