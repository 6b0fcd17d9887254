package scheduler

import (
	"container/heap"
	"time"

	"remindbot/internal/reminder"
)

type entry struct {
	rec      reminder.Record
	wakeAt   time.Time // DueAt, or the retry time after a failed attempt
	attempts int       // failed deliveries for the current slot
	seq      uint64
	pos      int
}

// dueHeap orders entries by wake time, then creation time, then insertion.
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.wakeAt.Equal(b.wakeAt) {
		return a.wakeAt.Before(b.wakeAt)
	}
	if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
		return a.rec.CreatedAt.Before(b.rec.CreatedAt)
	}
	return a.seq < b.seq
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}

// index is the in-memory due index. Not safe for concurrent use.
type index struct {
	h    dueHeap
	byID map[string]*entry
	seq  uint64
}

func newIndex() *index {
	return &index{byID: map[string]*entry{}}
}

func (x *index) len() int { return len(x.h) }

// put inserts rec or replaces the indexed copy with the same id.
func (x *index) put(rec reminder.Record, wakeAt time.Time, attempts int) {
	if e, ok := x.byID[rec.ID]; ok {
		e.rec, e.wakeAt, e.attempts = rec, wakeAt, attempts
		heap.Fix(&x.h, e.pos)
		return
	}
	x.seq++
	e := &entry{rec: rec, wakeAt: wakeAt, attempts: attempts, seq: x.seq}
	heap.Push(&x.h, e)
	x.byID[rec.ID] = e
}

func (x *index) get(id string) (*entry, bool) {
	e, ok := x.byID[id]
	return e, ok
}

func (x *index) remove(id string) (*entry, bool) {
	e, ok := x.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&x.h, e.pos)
	delete(x.byID, id)
	return e, true
}

func (x *index) peek() *entry {
	if len(x.h) == 0 {
		return nil
	}
	return x.h[0]
}

// popDue removes and returns the earliest entry if it is due at now.
func (x *index) popDue(now time.Time) *entry {
	e := x.peek()
	if e == nil || e.wakeAt.After(now) {
		return nil
	}
	heap.Pop(&x.h)
	delete(x.byID, e.rec.ID)
	return e
}
