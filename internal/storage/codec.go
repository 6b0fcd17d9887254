package storage

import (
	"sort"
	"time"

	"remindbot/internal/reminder"
)

// recordJSON is the on-disk shape shared by the file and redis backends.
// Timestamps are unix milliseconds.
type recordJSON struct {
	ID              string `json:"id"`
	CommunityID     string `json:"community_id,omitempty"`
	DestinationID   string `json:"destination_id,omitempty"`
	OwnerID         string `json:"owner_id"`
	Text            string `json:"text"`
	DueAt           int64  `json:"due_at"`
	Private         bool   `json:"private,omitempty"`
	Recurrence      string `json:"recurrence"`
	OriginalDelayMS int64  `json:"original_delay_ms"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at,omitempty"`
	Status          string `json:"status"`
}

func encodeRecord(r reminder.Record) recordJSON {
	return recordJSON{
		ID:              r.ID,
		CommunityID:     r.CommunityID,
		DestinationID:   r.DestinationID,
		OwnerID:         r.OwnerID,
		Text:            r.Text,
		DueAt:           msOf(r.DueAt),
		Private:         r.Private,
		Recurrence:      string(r.Recurrence),
		OriginalDelayMS: r.OriginalDelay.Milliseconds(),
		CreatedAt:       msOf(r.CreatedAt),
		UpdatedAt:       msOf(r.UpdatedAt),
		Status:          string(r.Status),
	}
}

func (j recordJSON) decode() reminder.Record {
	rec := reminder.Record{
		ID:            j.ID,
		CommunityID:   j.CommunityID,
		DestinationID: j.DestinationID,
		OwnerID:       j.OwnerID,
		Text:          j.Text,
		DueAt:         timeOf(j.DueAt),
		Private:       j.Private,
		Recurrence:    reminder.Recurrence(j.Recurrence),
		OriginalDelay: time.Duration(j.OriginalDelayMS) * time.Millisecond,
		CreatedAt:     timeOf(j.CreatedAt),
		UpdatedAt:     timeOf(j.UpdatedAt),
		Status:        reminder.Status(j.Status),
	}
	if rec.Recurrence == "" {
		rec.Recurrence = reminder.RecurNone
	}
	return rec
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// normalize trims identifiers and truncates timestamps to the persisted
// resolution so every backend returns identical records.
func normalize(r reminder.Record) reminder.Record {
	r = r.Trimmed()
	r.DueAt = reminder.Millis(r.DueAt)
	r.CreatedAt = reminder.Millis(r.CreatedAt)
	r.UpdatedAt = reminder.Millis(r.UpdatedAt)
	r.OriginalDelay = r.OriginalDelay.Truncate(time.Millisecond)
	return r
}

func sortRecords(recs []reminder.Record) {
	sort.Slice(recs, func(i, j int) bool { return reminder.Less(recs[i], recs[j]) })
}

// prunable reports whether r is terminal and last touched before cutoff.
func prunable(r reminder.Record, before time.Time) bool {
	if !r.Status.Terminal() {
		return false
	}
	at := r.UpdatedAt
	if at.IsZero() {
		at = r.CreatedAt
	}
	return at.Before(before)
}
