package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

const (
	jobKeyPrefix = "ff:upload:"
	metaField    = "meta"
	filePrefix   = "file:"

	maxWatchRetries = 8
)

// RedisClient abstracts the Redis operations the job store needs.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Close() error
}

var _ RedisClient = (*redis.Client)(nil)

// RedisStore keeps each job in one hash: a meta field plus one field per
// file, expiring ttl after the last write.
type RedisStore struct {
	rdb RedisClient
	ttl time.Duration
}

func NewRedisStore(rdb RedisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	m, err := json.Marshal(job.meta())
	if err != nil {
		return err
	}
	values := []any{metaField, m}
	for _, r := range job.Results {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		values = append(values, filePrefix+r.Filename, b)
	}
	key := jobKey(job.ID)
	if err := s.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("jobs.Create %s: %w", job.ID, err)
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("jobs.Create %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs.Get %s: %w", id, err)
	}
	raw, ok := fields[metaField]
	if !ok {
		return nil, apperr.NotFound("upload job", id)
	}
	var m meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("jobs.Get %s: decode meta: %w", id, err)
	}
	results := make([]FileResult, 0, len(fields)-1)
	for field, val := range fields {
		if !strings.HasPrefix(field, filePrefix) {
			continue
		}
		var r FileResult
		if err := json.Unmarshal([]byte(val), &r); err != nil {
			return nil, fmt.Errorf("jobs.Get %s: decode %s: %w", id, field, err)
		}
		results = append(results, r)
	}
	return assemble(m, results), nil
}

func (s *RedisStore) UpdateFile(ctx context.Context, id, filename string, fn func(*FileResult) error) (FileResult, error) {
	key := jobKey(id)
	field := filePrefix + filename
	var out FileResult

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, metaField, field).Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return apperr.NotFound("upload job", id)
		}
		raw, ok := vals[1].(string)
		if !ok {
			return apperr.NotFound("upload file", filename)
		}
		var r FileResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return fmt.Errorf("decode %s: %w", field, err)
		}
		if err := fn(&r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now().UTC()
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, field, b)
			p.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil {
			out = r
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return FileResult{}, fmt.Errorf("jobs.UpdateFile %s/%s: too much contention", id, filename)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, jobKey(id)).Err()
}
