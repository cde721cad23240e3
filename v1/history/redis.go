package history

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	redis "github.com/redis/go-redis/v9"

	coorderrors "github.com/opstelco/go-coord/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	recordKeyPrefix       = "task_history:"
	indexKey              = "task_history:index"
	cacheTTL              = time.Minute
)

// RedisStore implements Store using a Redis backend: one JSON value per
// record plus a sorted-set index scored by creation time. Records are
// write-once, which makes the optional read cache safe.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	cache   *ristretto.Cache
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// WithReadCache enables an in-process ristretto cache in front of record
// reads. History rows never change after Save, so cached copies cannot
// go stale; the TTL only bounds memory held for cold entries.
func WithReadCache() RedisOption {
	return func(s *RedisStore) {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 20,
			BufferItems: 64,
		})
		if err != nil {
			slog.Warn("coord: history read cache disabled", "error", err)
			return
		}
		s.cache = c
	}
}

// NewRedisStore returns a new RedisStore using the provided client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save implements Store.Save.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, recordKeyPrefix+rec.TaskID, data, 0)
	pipe.ZAdd(cctx, indexKey, redis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.TaskID,
	})
	if _, err := pipe.Exec(cctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Recent implements Store.Recent.
func (s *RedisStore) Recent(ctx context.Context, limit int, exclude map[string]struct{}) ([]Record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Over-fetch by the excluded set so exclusions do not shrink the page.
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit+len(exclude)) - 1
	}
	ids, err := s.client.ZRevRange(cctx, indexKey, 0, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		if _, skip := exclude[id]; skip {
			continue
		}
		rec, found, err := s.fetch(cctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		recs = append(recs, rec)
		if limit > 0 && len(recs) == limit {
			break
		}
	}
	return recs, nil
}

func (s *RedisStore) fetch(ctx context.Context, id string) (Record, bool, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			if rec, ok := v.(Record); ok {
				return rec, true, nil
			}
		}
	}
	data, err := s.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapErr(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, err
	}
	if s.cache != nil {
		s.cache.SetWithTTL(id, rec, int64(len(data)), cacheTTL)
	}
	return rec, true, nil
}

func wrapErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return coorderrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return coorderrors.ErrConnectionClosed
	}
	return err
}
