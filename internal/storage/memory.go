package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// Memory is a non-durable Store. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]reminder.Record
}

func NewMemory() *Memory {
	return &Memory{recs: map[string]reminder.Record{}}
}

func (m *Memory) Get(ctx context.Context, id string) (reminder.Record, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[strings.TrimSpace(id)]
	if !ok {
		return reminder.Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Upsert(ctx context.Context, rec reminder.Record) error {
	_ = ctx
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.recs[rec.ID] = normalize(rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]reminder.Record, error) {
	_ = ctx
	m.mu.RLock()
	out := make([]reminder.Record, 0, len(m.recs))
	for _, r := range m.recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func (m *Memory) Prune(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.recs {
		if prunable(r, before) {
			delete(m.recs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
