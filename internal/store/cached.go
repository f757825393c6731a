package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/netwatch/internal/cache"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// CachedStore wraps a Store with a Redis snapshot cache. Reads go through the
// cache, writes go to the store first and then refresh the snapshot. Cache
// failures are logged and never fail the call.
type CachedStore struct {
	Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore creates a CachedStore in front of inner.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, cache: c, ttl: ttl}
}

func (s *CachedStore) CreateJob(ctx context.Context, job *models.JobRecord) error {
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.refresh(ctx, job)
	return nil
}

func (s *CachedStore) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	rec, found, err := s.cache.GetJobRecord(ctx, id)
	if err != nil {
		slog.Warn("job snapshot read failed", "job_id", id, "error", err)
	}
	if found {
		return rec, nil
	}

	rec, err = s.Store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, rec)
	return rec, nil
}

func (s *CachedStore) UpsertJob(ctx context.Context, job *models.JobRecord) error {
	err := s.Store.UpsertJob(ctx, job)
	if errors.Is(err, ErrJobTerminal) {
		// The snapshot may predate the terminal write; drop it so the next read
		// goes to the store.
		if derr := s.cache.Delete(ctx, cache.JobRecordKey(job.ID)); derr != nil {
			slog.Warn("job snapshot delete failed", "job_id", job.ID, "error", derr)
		}
		return err
	}
	if err != nil {
		return err
	}
	s.refresh(ctx, job)
	return nil
}

func (s *CachedStore) refresh(ctx context.Context, job *models.JobRecord) {
	if err := s.cache.SetJobRecord(ctx, job, s.ttl); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
}
