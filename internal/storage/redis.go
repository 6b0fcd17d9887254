package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// redisStore keeps one JSON value per record plus one set of ids per status.
//
// Keys (with the configured prefix):
//   - <prefix>rec:<id>        JSON record
//   - <prefix>status:<status> set of ids
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

var allStatuses = []reminder.Status{reminder.StatusActive, reminder.StatusCompleted, reminder.StatusCancelled}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrapErr("ping", err)
	}
	return newRedisStore(rdb, cfg.KeyPrefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "remindbot:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) recKey(id string) string { return s.prefix + "rec:" + id }
func (s *redisStore) statusKey(st reminder.Status) string { return s.prefix + "status:" + string(st) }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) Get(ctx context.Context, id string) (reminder.Record, error) {
	b, err := s.rdb.Get(ctx, s.recKey(strings.TrimSpace(id))).Bytes()
	if errors.Is(err, redis.Nil) {
		return reminder.Record{}, ErrNotFound
	}
	if err != nil {
		return reminder.Record{}, wrapErr("get", err)
	}
	var j recordJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return reminder.Record{}, wrapErr("get", err)
	}
	return j.decode(), nil
}

func (s *redisStore) Upsert(ctx context.Context, rec reminder.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = normalize(rec)
	b, err := json.Marshal(encodeRecord(rec))
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recKey(rec.ID), b, 0)
		for _, st := range allStatuses {
			if st == rec.Status {
				pipe.SAdd(ctx, s.statusKey(st), rec.ID)
			} else {
				pipe.SRem(ctx, s.statusKey(st), rec.ID)
			}
		}
		return nil
	})
	return wrapErr("upsert", err)
}

func (s *redisStore) List(ctx context.Context, f Filter) ([]reminder.Record, error) {
	statuses := allStatuses
	if f.Status != "" {
		statuses = []reminder.Status{f.Status}
	}
	var out []reminder.Record
	for _, st := range statuses {
		recs, err := s.loadSet(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if f.Match(r) {
				out = append(out, r)
			}
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *redisStore) loadSet(ctx context.Context, st reminder.Status) ([]reminder.Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.statusKey(st)).Result()
	if err != nil {
		return nil, wrapErr("list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr("list", err)
	}
	return decodeRedisValues(vals, s.log), nil
}

func (s *redisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for _, st := range []reminder.Status{reminder.StatusCompleted, reminder.StatusCancelled} {
		recs, err := s.loadSet(ctx, st)
		if err != nil {
			return n, err
		}
		for _, r := range recs {
			if !prunable(r, before) {
				continue
			}
			_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.recKey(r.ID))
				pipe.SRem(ctx, s.statusKey(st), r.ID)
				return nil
			})
			if err != nil {
				return n, wrapErr("prune", err)
			}
			n++
		}
	}
	return n, nil
}

// decodeRedisValues converts an MGET reply into records, skipping missing
// or corrupt values.
func decodeRedisValues(vals []any, log logx.Logger) []reminder.Record {
	out := make([]reminder.Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var j recordJSON
		if err := json.Unmarshal([]byte(str), &j); err != nil || j.ID == "" {
			log.Warn("skipping undecodable reminder value", logx.Err(err))
			continue
		}
		out = append(out, j.decode())
	}
	return out
}
