package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reminders (
	id                TEXT PRIMARY KEY,
	community_id      TEXT NOT NULL DEFAULT '',
	destination_id    TEXT NOT NULL DEFAULT '',
	owner_id          TEXT NOT NULL,
	text              TEXT NOT NULL,
	due_at            BIGINT NOT NULL,
	private           BOOLEAN NOT NULL DEFAULT FALSE,
	recurrence        TEXT NOT NULL DEFAULT 'none',
	original_delay_ms BIGINT NOT NULL DEFAULT 0,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_status_due ON reminders(status, due_at, created_at);
CREATE INDEX IF NOT EXISTS idx_reminders_owner ON reminders(owner_id, community_id);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = 4
	pcfg.MinConns = 1
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 30 * time.Minute
	pcfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr("ping", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, wrapErr("migrate", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (reminder.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM reminders WHERE id = $1`, strings.TrimSpace(id))
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Record{}, ErrNotFound
	}
	if err != nil {
		return reminder.Record{}, wrapErr("get", err)
	}
	return r, nil
}

func (s *postgresStore) Upsert(ctx context.Context, rec reminder.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = normalize(rec)
	j := encodeRecord(rec)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminders(`+selectColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (id) DO UPDATE SET
		   due_at=EXCLUDED.due_at, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at,
		   recurrence=EXCLUDED.recurrence, private=EXCLUDED.private,
		   destination_id=EXCLUDED.destination_id, community_id=EXCLUDED.community_id`,
		j.ID, j.CommunityID, j.DestinationID, j.OwnerID, j.Text, j.DueAt, j.Private,
		j.Recurrence, j.OriginalDelayMS, j.CreatedAt, j.UpdatedAt, j.Status,
	)
	return wrapErr("upsert", err)
}

func (s *postgresStore) List(ctx context.Context, f Filter) ([]reminder.Record, error) {
	q, args := buildListQuery(f, func(n int) string { return fmt.Sprintf("$%d", n) })
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *postgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reminders WHERE status IN ($1, $2) AND (CASE WHEN updated_at > 0 THEN updated_at ELSE created_at END) < $3`,
		string(reminder.StatusCompleted), string(reminder.StatusCancelled), before.UnixMilli(),
	)
	if err != nil {
		return 0, wrapErr("prune", err)
	}
	return int(tag.RowsAffected()), nil
}
