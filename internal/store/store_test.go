package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/netwatch/internal/cache"
	"github.com/kiranshivaraju/netwatch/internal/store"
	"github.com/kiranshivaraju/netwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("netwatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newRecord(status models.JobStatus, progress int) *models.JobRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.JobRecord{
		ID:       uuid.NewString(),
		Status:   status,
		Progress: progress,
		Config: &models.JobConfig{
			ReportType: "threat-summary",
			Targets:    []string{"10.0.0.0/24"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// storeContract exercises the behavior every Store implementation shares.
func storeContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord(models.JobStatusQueued, 0)

		require.NoError(t, s.CreateJob(ctx, rec))

		got, err := s.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, models.JobStatusQueued, got.Status)
		require.NotNil(t, got.Config)
		assert.Equal(t, "threat-summary", got.Config.ReportType)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord(models.JobStatusQueued, 0)

		require.NoError(t, s.CreateJob(ctx, rec))
		assert.ErrorIs(t, s.CreateJob(ctx, rec), store.ErrDuplicateKey)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpsertProgress", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord(models.JobStatusQueued, 0)
		require.NoError(t, s.CreateJob(ctx, rec))

		next := rec.Clone()
		next.Status = models.JobStatusGenerating
		next.Progress = 30
		next.Message = "Analyzing traffic patterns"
		next.UpdatedAt = rec.UpdatedAt.Add(time.Second)
		require.NoError(t, s.UpsertJob(ctx, next))

		got, err := s.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusGenerating, got.Status)
		assert.Equal(t, 30, got.Progress)
		assert.Equal(t, "Analyzing traffic patterns", got.Message)
		assert.True(t, next.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("UpsertCompletedWithMetadata", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord(models.JobStatusGenerating, 80)
		require.NoError(t, s.CreateJob(ctx, rec))

		done := rec.Clone()
		done.Status = models.JobStatusCompleted
		done.Progress = 100
		done.Metadata = map[string]any{"threats_found": float64(3), "report_url": "/reports/abc.pdf"}
		done.UpdatedAt = rec.UpdatedAt.Add(time.Second)
		require.NoError(t, s.UpsertJob(ctx, done))

		got, err := s.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, float64(3), got.Metadata["threats_found"])
		assert.Equal(t, "/reports/abc.pdf", got.Metadata["report_url"])
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord(models.JobStatusGenerating, 50)
		require.NoError(t, s.CreateJob(ctx, rec))

		cancelled := rec.Clone()
		cancelled.Status = models.JobStatusCancelled
		cancelled.UpdatedAt = rec.UpdatedAt.Add(time.Second)
		require.NoError(t, s.UpsertJob(ctx, cancelled))

		late := rec.Clone()
		late.Status = models.JobStatusFailed
		late.Message = "worker exited with code 143"
		late.UpdatedAt = rec.UpdatedAt.Add(2 * time.Second)
		assert.ErrorIs(t, s.UpsertJob(ctx, late), store.ErrJobTerminal)

		got, err := s.GetJob(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
	})

	t.Run("DeleteTerminalBefore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond)

		expired := newRecord(models.JobStatusCompleted, 100)
		expired.CreatedAt, expired.UpdatedAt = old, old
		running := newRecord(models.JobStatusGenerating, 40)
		running.CreatedAt, running.UpdatedAt = old, old
		fresh := newRecord(models.JobStatusFailed, 20)

		for _, r := range []*models.JobRecord{expired, running, fresh} {
			require.NoError(t, s.CreateJob(ctx, r))
		}

		n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetJob(ctx, expired.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetJob(ctx, running.ID)
		assert.NoError(t, err)
		_, err = s.GetJob(ctx, fresh.ID)
		assert.NoError(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	storeContract(t, func(t *testing.T) store.Store { return store.NewPostgresStore(pool) })
}

func TestPostgresStore_Ping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	rec := newRecord(models.JobStatusQueued, 0)
	require.NoError(t, s.CreateJob(ctx, rec))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	got.Progress = 99
	got.Config.Targets[0] = "mutated"

	again, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Progress)
	assert.Equal(t, "10.0.0.0/24", again.Config.Targets[0])
}

// --- CachedStore ---

// fakeCache is an in-memory cache.Cache for CachedStore tests.
type fakeCache struct {
	mu      sync.Mutex
	records map[string]*models.JobRecord
	getErr  error
	setErr  error
	gets    int
	deletes []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[string]*models.JobRecord)}
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, key)
	for id := range c.records {
		if cache.JobRecordKey(id) == key {
			delete(c.records, id)
		}
	}
	return nil
}
func (c *fakeCache) Ping(ctx context.Context) error { return nil }
func (c *fakeCache) SetJobRecord(ctx context.Context, rec *models.JobRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.records[rec.ID] = rec.Clone()
	return nil
}
func (c *fakeCache) GetJobRecord(ctx context.Context, jobID string) (*models.JobRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	rec, ok := c.records[jobID]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}
func (c *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 1, nil
}

func TestCachedStore_Contract(t *testing.T) {
	storeContract(t, func(t *testing.T) store.Store {
		return store.NewCachedStore(store.NewMemoryStore(), newFakeCache(), time.Minute)
	})
}

func TestCachedStore_ReadThrough(t *testing.T) {
	inner := store.NewMemoryStore()
	fc := newFakeCache()
	s := store.NewCachedStore(inner, fc, time.Minute)
	ctx := context.Background()

	rec := newRecord(models.JobStatusQueued, 0)
	require.NoError(t, inner.CreateJob(ctx, rec))

	_, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, fc.records, rec.ID, "miss should populate the snapshot")

	// Served from the snapshot even though the inner record changed.
	next := rec.Clone()
	next.Progress = 15
	require.NoError(t, inner.UpsertJob(ctx, next))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestCachedStore_WriteThrough(t *testing.T) {
	fc := newFakeCache()
	s := store.NewCachedStore(store.NewMemoryStore(), fc, time.Minute)
	ctx := context.Background()

	rec := newRecord(models.JobStatusQueued, 0)
	require.NoError(t, s.CreateJob(ctx, rec))

	next := rec.Clone()
	next.Status = models.JobStatusGenerating
	next.Progress = 50
	require.NoError(t, s.UpsertJob(ctx, next))

	assert.Equal(t, 50, fc.records[rec.ID].Progress)
}

func TestCachedStore_CacheFailureFallsBack(t *testing.T) {
	fc := newFakeCache()
	fc.getErr = errors.New("redis down")
	fc.setErr = errors.New("redis down")
	s := store.NewCachedStore(store.NewMemoryStore(), fc, time.Minute)
	ctx := context.Background()

	rec := newRecord(models.JobStatusQueued, 0)
	require.NoError(t, s.CreateJob(ctx, rec))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestCachedStore_TerminalConflictDropsSnapshot(t *testing.T) {
	inner := store.NewMemoryStore()
	fc := newFakeCache()
	s := store.NewCachedStore(inner, fc, time.Minute)
	ctx := context.Background()

	rec := newRecord(models.JobStatusGenerating, 40)
	require.NoError(t, s.CreateJob(ctx, rec))

	// Terminal write that bypassed the cache.
	done := rec.Clone()
	done.Status = models.JobStatusCompleted
	done.Progress = 100
	require.NoError(t, inner.UpsertJob(ctx, done))

	late := rec.Clone()
	late.Progress = 60
	assert.ErrorIs(t, s.UpsertJob(ctx, late), store.ErrJobTerminal)
	assert.Contains(t, fc.deletes, cache.JobRecordKey(rec.ID))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}
