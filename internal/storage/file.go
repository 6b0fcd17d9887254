package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot, written via rename)
//   - <prefix>.journal.jsonl (append-only journal, fsynced per write)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]reminder.Record

	writes int
}

type journalEntry struct {
	Op  string      `json:"op"` // "put" | "del"
	Rec *recordJSON `json:"rec,omitempty"`
	ID  string      `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr("open", err)
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	recs := map[string]reminder.Record{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("load snapshot", err)
	}
	replayed, err := replayJournal(journalPath, recs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("replay journal", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrapErr("open journal", err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		recs:         recs,
	}
	if replayed > 0 {
		log.Debug("journal replayed", logx.Int("entries", replayed), logx.Int("records", len(recs)))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, id string) (reminder.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[strings.TrimSpace(id)]
	if !ok {
		return reminder.Record{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) Upsert(ctx context.Context, rec reminder.Record) error {
	_ = ctx
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = normalize(rec)
	enc := encodeRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalEntry{Op: "put", Rec: &enc}); err != nil {
		return wrapErr("upsert", err)
	}
	// Only visible once the journal write succeeded.
	s.recs[rec.ID] = rec
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) List(ctx context.Context, f Filter) ([]reminder.Record, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]reminder.Record, 0, len(s.recs))
	for _, r := range s.recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.recs {
		if !prunable(r, before) {
			continue
		}
		if err := s.appendLocked(journalEntry{Op: "del", ID: id}); err != nil {
			return n, wrapErr("prune", err)
		}
		delete(s.recs, id)
		n++
	}
	if n > 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact after prune failed", logx.Err(err))
		}
	}
	return n, nil
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) noteWriteLocked() {
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	list := make([]recordJSON, 0, len(s.recs))
	for _, r := range s.recs {
		list = append(list, encodeRecord(r))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Snapshot now holds everything; truncate the journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]reminder.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []recordJSON
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, j := range list {
		if j.ID == "" {
			continue
		}
		out[j.ID] = j.decode()
	}
	return nil
}

func replayJournal(path string, out map[string]reminder.Record) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var e journalEntry
		// A torn trailing line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Op {
		case "put":
			if e.Rec == nil || e.Rec.ID == "" {
				continue
			}
			out[e.Rec.ID] = e.Rec.decode()
		case "del":
			delete(out, e.ID)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
