// Package redis implements timerstore.Store against Redis: a sorted set
// keyed by wake time for efficient due-timer range scans, plus a single hash
// holding each timer's payload under its member key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepflow/stepflow/scheduler/timerstore"
)

const (
	defaultZSetKey  = "stepflow:timers:due"
	defaultHashKey  = "stepflow:timers:payload"
	defaultOpTimeout = 5 * time.Second
)

// Options configures the Redis-backed timer store.
type Options struct {
	Client   *redis.Client
	ZSetKey  string
	HashKey  string
	Timeout  time.Duration
}

// Store implements timerstore.Store against Redis.
type Store struct {
	rdb     *redis.Client
	zsetKey string
	hashKey string
	timeout time.Duration
}

// New constructs a Redis-backed Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("timerstore/redis: client is required")
	}
	zsetKey := opts.ZSetKey
	if zsetKey == "" {
		zsetKey = defaultZSetKey
	}
	hashKey := opts.HashKey
	if hashKey == "" {
		hashKey = defaultHashKey
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{rdb: opts.Client, zsetKey: zsetKey, hashKey: hashKey, timeout: timeout}, nil
}

type record struct {
	RunID   string `json:"runId"`
	Label   string `json:"label"`
	FireAt  int64  `json:"fireAt"`
	Payload any    `json:"payload,omitempty"`
}

func member(runID, label string) string { return runID + "\x00" + label }

func (s *Store) Schedule(ctx context.Context, t timerstore.Timer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := member(t.RunID, t.Label)
	rec := record{RunID: t.RunID, Label: t.Label, FireAt: t.FireAt.UnixNano(), Payload: t.Payload}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("timerstore/redis: marshal timer: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.zsetKey, redis.Z{Score: float64(rec.FireAt), Member: m})
	pipe.HSet(ctx, s.hashKey, m, b)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("timerstore/redis: schedule: %w", err)
	}
	return nil
}

func (s *Store) Due(ctx context.Context, before time.Time) ([]timerstore.Timer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.rdb.ZRangeByScore(ctx, s.zsetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", before.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("timerstore/redis: due: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	raws, err := s.rdb.HMGet(ctx, s.hashKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("timerstore/redis: load payloads: %w", err)
	}

	out := make([]timerstore.Timer, 0, len(members))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // member expired out of the hash between the two calls
		}
		var rec record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("timerstore/redis: decode timer: %w", err)
		}
		out = append(out, timerstore.Timer{
			RunID:   rec.RunID,
			Label:   rec.Label,
			FireAt:  time.Unix(0, rec.FireAt),
			Payload: rec.Payload,
		})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, runID, label string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := member(runID, label)
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.zsetKey, m)
	pipe.HDel(ctx, s.hashKey, m)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("timerstore/redis: delete: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
