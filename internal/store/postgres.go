package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, status, progress, message, metadata, config, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.JobRecord) error {
	meta, cfg, err := encodeBlobs(job)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO report_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, string(job.Status), job.Progress, job.Message, meta, cfg, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	var (
		j      models.JobRecord
		status string
		meta   []byte
		cfg    []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &status, &j.Progress, &j.Message, &meta, &cfg, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.Status = models.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	if len(cfg) > 0 {
		j.Config = &models.JobConfig{}
		if err := json.Unmarshal(cfg, j.Config); err != nil {
			return nil, fmt.Errorf("decode job config: %w", err)
		}
	}
	return &j, nil
}

// UpsertJob writes the full record. The conflict branch only fires while the
// stored status is non-terminal, so a terminal row yields zero affected rows.
func (s *PostgresStore) UpsertJob(ctx context.Context, job *models.JobRecord) error {
	meta, cfg, err := encodeBlobs(job)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO report_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   progress = EXCLUDED.progress,
		   message = EXCLUDED.message,
		   metadata = EXCLUDED.metadata,
		   config = COALESCE(EXCLUDED.config, report_jobs.config),
		   updated_at = EXCLUDED.updated_at
		 WHERE report_jobs.status NOT IN ('completed', 'failed', 'cancelled')`,
		job.ID, string(job.Status), job.Progress, job.Message, meta, cfg, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobTerminal
	}
	return nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM report_jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeBlobs(job *models.JobRecord) ([]byte, []byte, error) {
	var meta, cfg []byte
	var err error
	if job.Metadata != nil {
		if meta, err = json.Marshal(job.Metadata); err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	if job.Config != nil {
		if cfg, err = json.Marshal(job.Config); err != nil {
			return nil, nil, fmt.Errorf("encode config: %w", err)
		}
	}
	return meta, cfg, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
