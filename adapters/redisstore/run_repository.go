package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"perteval/domain/core"
	"perteval/internal/errors"
	"perteval/models"
	"perteval/ports"
)

const (
	defaultPrefix = "perteval"
	indexKey      = "runs"
)

// RunRepository keeps runs as JSON blobs plus a sorted-set index by creation time
type RunRepository struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ ports.RunRepository = (*RunRepository)(nil)

// NewRunRepository connects to addr and verifies the connection
func NewRunRepository(ctx context.Context, addr string, db int, ttl time.Duration) (*RunRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}
	return NewRunRepositoryWithClient(client, ttl), nil
}

// NewRunRepositoryWithClient wraps an existing client
func NewRunRepositoryWithClient(client redis.UniversalClient, ttl time.Duration) *RunRepository {
	return &RunRepository{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (r *RunRepository) runKey(id core.RunID) string {
	return fmt.Sprintf("%s:run:%s", r.prefix, id)
}

func (r *RunRepository) indexKey() string {
	return fmt.Sprintf("%s:%s", r.prefix, indexKey)
}

// SaveRun stores the run and indexes it by creation time
func (r *RunRepository) SaveRun(ctx context.Context, run *models.EvaluationRun) error {
	if run == nil || run.ID == "" {
		return errors.InvalidInput("run must have an ID")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = core.Now()
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "failed to encode evaluation run")
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.runKey(run.ID), payload, r.ttl)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(run.CreatedAt.UnixMilli()),
			Member: run.ID.String(),
		})
		return nil
	})
	if err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

// GetRun loads a run by ID
func (r *RunRepository) GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error) {
	payload, err := r.client.Get(ctx, r.runKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("run "+id.String(), core.ErrRunNotFound)
	}
	if err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}

	var run models.EvaluationRun
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, errors.Wrapf(err, "failed to decode run %s", id)
	}
	return &run, nil
}

// ListRuns returns the newest runs first. Index entries whose blob expired are pruned.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}
	if len(ids) == 0 {
		return []*models.EvaluationRun{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.runKey(core.RunID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}

	runs := make([]*models.EvaluationRun, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var run models.EvaluationRun
		if err := json.Unmarshal([]byte(s), &run); err != nil {
			return nil, errors.Wrapf(err, "failed to decode run %s", ids[i])
		}
		run.PerturbationMetrics = nil
		runs = append(runs, &run)
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, r.indexKey(), stale...)
	}
	return runs, nil
}

// DeleteRun removes the run blob and its index entry
func (r *RunRepository) DeleteRun(ctx context.Context, id core.RunID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.runKey(id))
		pipe.ZRem(ctx, r.indexKey(), id.String())
		return nil
	})
	if err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

// Close releases the client
func (r *RunRepository) Close() error {
	return r.client.Close()
}
