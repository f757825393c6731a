// Package supervisor runs analysis worker processes and keeps their job
// records current in the store.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/netwatch/internal/config"
	"github.com/kiranshivaraju/netwatch/internal/resilience"
	"github.com/kiranshivaraju/netwatch/internal/store"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

var (
	ErrInvalidConfig = errors.New("invalid job config")
	ErrWorkerStart   = errors.New("worker failed to start")
)

const (
	resultPrefix   = "RESULT:"
	stderrTailSize = 2048
	maxLineSize    = 1 << 20
	writeTimeout   = 10 * time.Second
)

// Supervisor launches one worker process per job and owns every write to
// that job's record until it reaches a terminal status.
type Supervisor struct {
	store   store.Store
	cfg     config.WorkerConfig
	metrics *Metrics
	retry   resilience.RetryPolicy
	markers atomic.Pointer[MarkerTable]
	now     func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics sets the collectors the supervisor reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithMarkers replaces the default marker table.
func WithMarkers(t MarkerTable) Option {
	return func(s *Supervisor) { s.markers.Store(&t) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a Supervisor that runs cfg.Command for every launched job.
func New(st store.Store, cfg config.WorkerConfig, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:   st,
		cfg:     cfg,
		now:     time.Now,
		baseCtx: ctx,
		stopAll: cancel,
		workers: make(map[string]*worker),
	}
	defaults := DefaultMarkers()
	s.markers.Store(&defaults)

	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	s.retry = resilience.StoreWrite(cfg.StoreRetries, cfg.StoreRetryDelay)
	s.retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, store.ErrJobTerminal) &&
			!errors.Is(err, store.ErrDuplicateKey) &&
			!errors.Is(err, store.ErrNotFound) &&
			!resilience.IsPermanentError(err)
	}
	return s
}

// SetMarkers swaps the marker table used for lines read from now on.
func (s *Supervisor) SetMarkers(t MarkerTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.markers.Store(&t)
	return nil
}

// Markers returns the active marker table.
func (s *Supervisor) Markers() MarkerTable {
	return *s.markers.Load()
}

// EstimatedTime is the expected wall time of a job.
func (s *Supervisor) EstimatedTime() time.Duration {
	return s.cfg.EstimatedTime
}

// Running returns the ids of jobs with a live worker.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

type worker struct {
	id      string
	started time.Time
	cancel  context.CancelFunc

	mu       sync.Mutex
	rec      *models.JobRecord
	result   map[string]any
	terminal bool
}

// Launch validates cfg, records the job and starts its worker. It returns as
// soon as the process has started; ctx only bounds the initial store write.
func (s *Supervisor) Launch(ctx context.Context, cfg models.JobConfig) (*models.JobRecord, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: no worker command configured", ErrWorkerStart)
	}
	if err := validateJobConfig(cfg); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode job config: %w", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	jobCfg := cfg.Clone()
	rec := &models.JobRecord{
		ID:        uuid.NewString(),
		Status:    models.JobStatusQueued,
		Message:   "Queued",
		Config:    &jobCfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.retry.Execute(ctx, func(ctx context.Context) error {
		return s.store.CreateJob(ctx, rec)
	}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.JobsLaunched.Inc()

	wctx, cancel := context.WithCancel(s.baseCtx)
	w := &worker{id: rec.ID, started: now, cancel: cancel, rec: rec.Clone()}

	cmd := exec.CommandContext(wctx, s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), "NETWATCH_JOB_ID="+rec.ID)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cfg.KillGrace

	stdoutR, stdoutW := io.Pipe()
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr

	w.mu.Lock()
	if err := cmd.Start(); err != nil {
		cancel()
		stdoutW.Close()
		failed := w.rec.Clone()
		failed.Status = models.JobStatusFailed
		failed.Message = fmt.Sprintf("start worker: %v", err)
		s.commitTerminal(w, failed)
		w.mu.Unlock()
		slog.Error("worker start failed", "job_id", rec.ID, "error", err)
		return failed, fmt.Errorf("%w: %v", ErrWorkerStart, err)
	}

	s.mu.Lock()
	s.workers[rec.ID] = w
	s.mu.Unlock()
	s.metrics.WorkersRunning.Inc()
	s.wg.Add(1)

	generating := w.rec.Clone()
	generating.Status = models.JobStatusGenerating
	generating.Message = "Generating report"
	s.commit(w, generating)
	out := w.rec.Clone()
	w.mu.Unlock()

	slog.Info("worker started", "job_id", rec.ID, "pid", cmd.Process.Pid)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		s.consume(w, stdoutR)
	}()

	go func() {
		defer s.wg.Done()
		defer cancel()
		waitErr := cmd.Wait()
		stdoutW.Close()
		<-scanDone

		s.finalize(w, waitErr, stderr.String())

		s.mu.Lock()
		delete(s.workers, w.id)
		s.mu.Unlock()
		s.metrics.WorkersRunning.Dec()
	}()

	return out, nil
}

// consume maps worker stdout lines onto the record.
func (s *Supervisor) consume(w *worker, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.handleLine(w, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("worker output unreadable", "job_id", w.id, "error", err)
	}
	// Keep the pipe drained so the process never blocks on a full stdout.
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) handleLine(w *worker, line string) {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(line), resultPrefix); ok {
		var result map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &result); err != nil {
			slog.Warn("worker result line is not a JSON object", "job_id", w.id, "error", err)
			return
		}
		w.mu.Lock()
		w.result = result
		w.mu.Unlock()
		return
	}

	m, ok := s.Markers().Lookup(line)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminal || m.Progress < w.rec.Progress {
		return
	}
	next := w.rec.Clone()
	next.Status = models.JobStatusGenerating
	next.Progress = m.Progress
	next.Message = m.Message
	s.commit(w, next)
}

// finalize writes the exit-driven terminal record unless a cancel got there first.
func (s *Supervisor) finalize(w *worker, waitErr error, stderrTail string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminal {
		return
	}

	next := w.rec.Clone()
	if waitErr == nil {
		next.Status = models.JobStatusCompleted
		next.Progress = 100
		next.Message = "Report ready"
		next.Metadata = w.result
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
	} else {
		next.Status = models.JobStatusFailed
		next.Message = exitDiagnostic(waitErr, stderrTail)
		next.Metadata = map[string]any{"error": next.Message}
	}
	s.commitTerminal(w, next)

	slog.Info("worker finished",
		"job_id", w.id,
		"status", string(next.Status),
		"duration_ms", s.now().Sub(w.started).Milliseconds(),
	)
}

// Cancel marks the job cancelled and terminates its worker. Cancelling a
// terminal job returns the record unchanged.
func (s *Supervisor) Cancel(ctx context.Context, jobID string) (*models.JobRecord, error) {
	s.mu.Lock()
	w := s.workers[jobID]
	s.mu.Unlock()

	if w == nil {
		return s.cancelOrphan(ctx, jobID)
	}

	w.mu.Lock()
	if w.terminal {
		rec := w.rec.Clone()
		w.mu.Unlock()
		return rec, nil
	}
	next := w.rec.Clone()
	next.Status = models.JobStatusCancelled
	next.Message = "Cancelled"
	s.commitTerminal(w, next)
	rec := w.rec.Clone()
	w.mu.Unlock()

	w.cancel()
	slog.Info("worker cancelled", "job_id", jobID)
	return rec, nil
}

// cancelOrphan handles records with no local worker, e.g. left behind by a
// previous server process.
func (s *Supervisor) cancelOrphan(ctx context.Context, jobID string) (*models.JobRecord, error) {
	rec, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	next := rec.Clone()
	next.Status = models.JobStatusCancelled
	next.Message = "Cancelled"
	next.UpdatedAt = nextUpdatedAt(s.now(), rec.UpdatedAt)
	err = s.retry.Execute(ctx, func(ctx context.Context) error {
		return s.store.UpsertJob(ctx, next)
	})
	if errors.Is(err, store.ErrJobTerminal) {
		return s.store.GetJob(ctx, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	s.metrics.JobsFinished.WithLabelValues(string(next.Status)).Inc()
	return next, nil
}

// Shutdown cancels every running worker and waits for them to be finalized.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for _, id := range s.Running() {
		if _, err := s.Cancel(ctx, id); err != nil {
			slog.Warn("cancel worker on shutdown", "job_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopAll()
		return nil
	case <-ctx.Done():
		s.stopAll()
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// commit writes next as the worker's current record. Callers hold w.mu.
func (s *Supervisor) commit(w *worker, next *models.JobRecord) {
	next.UpdatedAt = nextUpdatedAt(s.now(), w.rec.UpdatedAt)
	// The local copy advances even if the write is lost so later writes keep
	// their ordering guarantees.
	w.rec = next

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		return s.store.UpsertJob(ctx, next)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrJobTerminal):
		w.terminal = true
		slog.Info("job already terminal in store", "job_id", w.id, "status", string(next.Status))
	default:
		s.metrics.StoreWriteFailures.Inc()
		slog.Error("job record write failed",
			"job_id", w.id,
			"status", string(next.Status),
			"progress", next.Progress,
			"error", err,
		)
	}
}

// commitTerminal latches the worker terminal and writes next. Callers hold w.mu.
func (s *Supervisor) commitTerminal(w *worker, next *models.JobRecord) {
	w.terminal = true
	s.commit(w, next)
	s.metrics.JobsFinished.WithLabelValues(string(next.Status)).Inc()
	s.metrics.JobDuration.Observe(s.now().Sub(w.started).Seconds())
}

// nextUpdatedAt returns now at microsecond precision, bumped past prev so a
// job's updated_at is strictly increasing.
func nextUpdatedAt(now, prev time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func exitDiagnostic(err error, stderrTail string) string {
	var msg string
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			msg = fmt.Sprintf("worker terminated by signal: %s", ws.Signal())
		} else {
			msg = fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())
		}
	} else {
		msg = fmt.Sprintf("worker failed: %v", err)
	}

	if tail := strings.TrimSpace(stderrTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func validateJobConfig(cfg models.JobConfig) error {
	if strings.TrimSpace(cfg.ReportType) == "" {
		return fmt.Errorf("%w: report_type is required", ErrInvalidConfig)
	}
	from, to := cfg.TimeRange.From, cfg.TimeRange.To
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return fmt.Errorf("%w: time_range.from must be before time_range.to", ErrInvalidConfig)
	}
	for _, t := range cfg.Targets {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: targets must not contain empty entries", ErrInvalidConfig)
		}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
