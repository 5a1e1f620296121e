// Package jobstore keeps job records with a bounded retention window.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"hairswap/internal/domain"
)

const (
	keyPrefix       = "job:"
	scanBatch       = 200
	maxWatchRetries = 5
)

// Redis stores each job as a JSON string under job:{id} with a TTL that is
// refreshed on every write.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func jobKey(id string) string { return keyPrefix + id }

func (s *Redis) Create(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: encode job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("jobstore: create: %w", err)
	}
	if !ok {
		return fmt.Errorf("jobstore: job %s: %w", job.ID, domain.ErrDuplicateOperation)
	}
	return nil
}

// Update writes job only when a non-terminal record exists. The check and the
// write run in one WATCH transaction.
func (s *Redis) Update(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: encode job: %w", err)
	}
	key := jobKey(job.ID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		var current domain.Job
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("jobstore: decode job: %w", err)
		}
		if current.Status.Terminal() {
			return domain.ErrTerminal
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTerminal):
		return fmt.Errorf("jobstore: job %s: %w", job.ID, err)
	default:
		return fmt.Errorf("jobstore: update: %w", err)
	}
}

func (s *Redis) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("jobstore: job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("jobstore: decode job: %w", err)
	}
	return &job, nil
}

func (s *Redis) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	var (
		jobs   []*domain.Job
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan: %w", err)
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("jobstore: mget: %w", err)
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				var job domain.Job
				if err := json.Unmarshal([]byte(raw), &job); err != nil {
					continue
				}
				jobs = append(jobs, &job)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return newestFirst(jobs, limit), nil
}

func (s *Redis) Delete(ctx context.Context, jobID string) error {
	n, err := s.client.Del(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("jobstore: delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("jobstore: job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func newestFirst(jobs []*domain.Job, limit int) []*domain.Job {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

var _ domain.JobRepository = (*Redis)(nil)
