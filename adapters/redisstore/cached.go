package redisstore

import (
	"context"
	"log"

	"perteval/domain/core"
	"perteval/internal/errors"
	"perteval/models"
	"perteval/ports"
)

// CachedRunRepository writes through to a primary store and serves GetRun
// from redis when the run is cached. Cache failures are logged, never returned.
type CachedRunRepository struct {
	primary ports.RunRepository
	cache   ports.RunRepository
}

var _ ports.RunRepository = (*CachedRunRepository)(nil)

// NewCachedRunRepository layers cache over primary
func NewCachedRunRepository(primary, cache ports.RunRepository) *CachedRunRepository {
	return &CachedRunRepository{primary: primary, cache: cache}
}

func (r *CachedRunRepository) SaveRun(ctx context.Context, run *models.EvaluationRun) error {
	if err := r.primary.SaveRun(ctx, run); err != nil {
		return err
	}
	if err := r.cache.SaveRun(ctx, run); err != nil {
		log.Printf("[RunCache] Failed to cache run %s: %v", run.ID, err)
	}
	return nil
}

func (r *CachedRunRepository) GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error) {
	run, err := r.cache.GetRun(ctx, id)
	if err == nil {
		return run, nil
	}
	if !errors.HasCode(err, errors.CodeNotFound) {
		log.Printf("[RunCache] Cache read for run %s failed: %v", id, err)
	}

	run, err = r.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SaveRun(ctx, run); err != nil {
		log.Printf("[RunCache] Failed to cache run %s: %v", id, err)
	}
	return run, nil
}

// ListRuns always reads the primary store; the cache may hold a partial set
func (r *CachedRunRepository) ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error) {
	return r.primary.ListRuns(ctx, limit)
}

func (r *CachedRunRepository) DeleteRun(ctx context.Context, id core.RunID) error {
	if err := r.primary.DeleteRun(ctx, id); err != nil {
		return err
	}
	if err := r.cache.DeleteRun(ctx, id); err != nil {
		log.Printf("[RunCache] Failed to evict run %s: %v", id, err)
	}
	return nil
}
