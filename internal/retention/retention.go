// Package retention deletes terminal job records once they outlive the
// configured retention window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/kiranshivaraju/netwatch/internal/config"
)

const sweepTimeout = time.Minute

// Deleter is the store capability the sweeper needs.
type Deleter interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically removes expired terminal records.
type Sweeper struct {
	store     Deleter
	cfg       config.RetentionConfig
	scheduler *gocron.Scheduler
	now       func() time.Time
}

// New creates a Sweeper. Call Start to schedule it.
func New(st Deleter, cfg config.RetentionConfig) *Sweeper {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Sweeper{store: st, cfg: cfg, scheduler: s, now: time.Now}
}

// Sweep deletes terminal records last updated before now minus the retention window.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.MaxAge)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired jobs: %w", err)
	}
	return n, nil
}

// Start schedules the sweep. A zero interval or retention window disables it.
func (s *Sweeper) Start() error {
	if s.cfg.SweepInterval <= 0 || s.cfg.MaxAge <= 0 {
		slog.Info("retention sweep disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.cfg.SweepInterval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		n, err := s.Sweep(ctx)
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("retention sweep removed expired jobs", "deleted", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}

	slog.Info("retention sweep scheduled",
		"interval", s.cfg.SweepInterval.String(),
		"max_age", s.cfg.MaxAge.String(),
	)
	s.scheduler.StartAsync()
	return nil
}

// Stop halts the scheduler.
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}
