// Package storedriver implements the JobStore external interface (spec.md §6) against Postgres,
// following the teacher's pgx-backed repositories. After each write it deletes the root's Redis
// cache key; this package never reads from or fills that cache.
package storedriver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/armada-fleet/corectl/internal/config"
	"github.com/armada-fleet/corectl/internal/reconciler"
)

// Store persists reconciliation model updates to Postgres and invalidates the root's Redis cache
// key after each write. It implements reconciler.StoreWriter.
type Store struct {
	pool  *pgxpool.Pool
	cache *redis.Client
}

// New connects to Postgres and Redis per cfg. Connection errors are returned immediately rather
// than deferred to the first write, matching the teacher's fail-fast startup style.
func New(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "connecting to redis")
	}
	return &Store{pool: pool, cache: rdb}, nil
}

// Store implements reconciler.StoreWriter: it upserts the delta into the job_task_state table
// and invalidates the Redis mirror for rootId, retrying transient failures with avast/retry-go
// the way transient connection errors are handled at the teacher's database boundary.
func (s *Store) Store(ctx context.Context, rootId string, action reconciler.ModelUpdateAction) error {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return errors.Wrap(err, "marshalling model update payload")
	}
	err = retry.Do(
		func() error {
			_, execErr := s.pool.Exec(ctx,
				`INSERT INTO job_task_state (root_id, task_id, op, payload, updated_at)
				 VALUES ($1, $2, $3, $4, now())
				 ON CONFLICT (root_id, task_id) DO UPDATE SET op = $3, payload = $4, updated_at = now()`,
				rootId, action.TaskId, int(action.Op), payload,
			)
			return execErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(20*time.Millisecond),
	)
	if err != nil {
		return errors.Wrap(err, "writing model update")
	}
	if delErr := s.cache.Del(rootKey(rootId)).Err(); delErr != nil && delErr != redis.Nil {
		return errors.Wrap(delErr, "invalidating cache entry")
	}
	return nil
}

// Close releases the Postgres pool and Redis client.
func (s *Store) Close() error {
	s.pool.Close()
	return s.cache.Close()
}

func rootKey(rootId string) string {
	return "corectl:root:" + rootId
}
