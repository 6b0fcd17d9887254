package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const selectColumns = `id, community_id, destination_id, owner_id, text, due_at, private, recurrence, original_delay_ms, created_at, updated_at, status`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrapErr("migrate", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (reminder.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM reminders WHERE id = ?`, strings.TrimSpace(id))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Record{}, ErrNotFound
	}
	if err != nil {
		return reminder.Record{}, wrapErr("get", err)
	}
	return r, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, rec reminder.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = normalize(rec)
	j := encodeRecord(rec)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+selectColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   due_at=excluded.due_at, status=excluded.status, updated_at=excluded.updated_at,
		   recurrence=excluded.recurrence, private=excluded.private,
		   destination_id=excluded.destination_id, community_id=excluded.community_id`,
		j.ID, j.CommunityID, j.DestinationID, j.OwnerID, j.Text, j.DueAt, j.Private,
		j.Recurrence, j.OriginalDelayMS, j.CreatedAt, j.UpdatedAt, j.Status,
	)
	return wrapErr("upsert", err)
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]reminder.Record, error) {
	q, args := buildListQuery(f, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list", err)
	}
	defer rows.Close()
	var out []reminder.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, wrapErr("list", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("list", rows.Err())
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status IN (?, ?) AND (CASE WHEN updated_at > 0 THEN updated_at ELSE created_at END) < ?`,
		string(reminder.StatusCompleted), string(reminder.StatusCancelled), before.UnixMilli(),
	)
	if err != nil {
		return 0, wrapErr("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// buildListQuery renders the List query with backend-specific placeholders.
func buildListQuery(f Filter, ph func(n int) string) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = "+ph(len(args)))
	}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, "owner_id = "+ph(len(args)))
	}
	if f.CommunityID != nil {
		args = append(args, *f.CommunityID)
		where = append(where, "community_id = "+ph(len(args)))
	}
	q := `SELECT ` + selectColumns + ` FROM reminders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY due_at, created_at, id`
	return q, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (reminder.Record, error) {
	var j recordJSON
	err := row.Scan(&j.ID, &j.CommunityID, &j.DestinationID, &j.OwnerID, &j.Text, &j.DueAt,
		&j.Private, &j.Recurrence, &j.OriginalDelayMS, &j.CreatedAt, &j.UpdatedAt, &j.Status)
	if err != nil {
		return reminder.Record{}, err
	}
	return j.decode(), nil
}
