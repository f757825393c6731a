package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/netwatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrJobTerminal is returned when a write targets a record that has already
// reached completed, failed or cancelled.
var ErrJobTerminal = errors.New("job already terminal")

// Store is the data access interface for report job records.
// Writes are last-write-wins except that a terminal record is never overwritten.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	UpsertJob(ctx context.Context, job *models.JobRecord) error

	// DeleteTerminalBefore removes terminal records last updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
