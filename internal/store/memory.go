package store

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// MemoryStore keeps job records in process memory. It is used when no
// DATABASE_URL is configured and by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.JobRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.JobRecord)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpsertJob(ctx context.Context, job *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.jobs[job.ID]
	if exists && existing.Status.IsTerminal() {
		return ErrJobTerminal
	}

	next := job.Clone()
	if exists {
		next.CreatedAt = existing.CreatedAt
		if next.Config == nil {
			next.Config = existing.Config
		}
	}
	s.jobs[job.ID] = next
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
