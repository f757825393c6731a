// Package tracker follows report jobs from the client side. Each tracked job
// gets a session that fuses a push subscription and a poll loop into one
// non-decreasing progress feed and exactly one terminal callback.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/netwatch/internal/config"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// PushChannel delivers server-sent events for a job until ctx is cancelled
// or the server closes the stream.
type PushChannel interface {
	Subscribe(ctx context.Context, jobID string, fn func(models.JobEvent)) error
}

// PollChannel reads the current record for a job. A record that does not
// exist yet is reported as ErrNotFound.
type PollChannel interface {
	Fetch(ctx context.Context, jobID string) (*models.JobRecord, error)
}

// Update is the fused view of a job handed to OnStatusChange.
type Update struct {
	JobID     string
	Status    models.JobStatus
	Progress  int
	Message   string
	Synthetic bool
}

// Callbacks receive the observable outcome of one tracked job. Calls for a
// job are serialized. Exactly one of OnComplete and OnError fires unless the
// job is stopped first.
type Callbacks struct {
	OnStatusChange func(Update)
	OnComplete     func(*models.JobRecord)
	OnError        func(error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEstimator replaces the linear synthetic progress estimator.
func WithEstimator(e Estimator) Option {
	return func(t *Tracker) { t.estimator = e }
}

// WithClock overrides the time source used for synthetic estimates.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker coordinates the sessions of every job it watches.
type Tracker struct {
	push      PushChannel
	poll      PollChannel
	cfg       config.TrackerConfig
	estimator Estimator
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates a Tracker. push may be nil, in which case jobs are followed by
// polling alone.
func New(push PushChannel, poll PollChannel, cfg config.TrackerConfig, opts ...Option) (*Tracker, error) {
	if poll == nil {
		return nil, errors.New("tracker: poll channel is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		push:      push,
		poll:      poll,
		cfg:       cfg,
		estimator: LinearEstimator{Expected: cfg.ExpectedDuration, Cap: cfg.SyntheticCap},
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

type session struct {
	jobID   string
	cb      Callbacks
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc

	// delivered latches the terminal outcome; stopped is the tombstone set by Stop.
	delivered atomic.Bool
	stopped   atomic.Bool

	mu          sync.Mutex
	status      models.JobStatus
	progress    int
	message     string
	lastUpdated time.Time
	realSeen    bool
}

// Start begins tracking jobID. It returns false if the job is already being
// tracked or the tracker is closed.
func (t *Tracker) Start(jobID string, cb Callbacks) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if _, ok := t.sessions[jobID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(t.ctx)
	s := &session{
		jobID:   jobID,
		cb:      cb,
		started: t.now(),
		ctx:     ctx,
		cancel:  cancel,
		status:  models.JobStatusGenerating,
	}
	t.sessions[jobID] = s

	if t.push != nil {
		t.wg.Add(1)
		go t.runPush(s)
	}
	t.wg.Add(1)
	go t.runPoll(s)

	slog.Debug("tracking report", "job_id", jobID)
	return true
}

// Stop cancels both channels for jobID and discards its session. No callback
// for the job starts after Stop returns. Stop is safe to call from inside a
// callback and is a no-op for unknown jobs.
func (t *Tracker) Stop(jobID string) {
	t.mu.Lock()
	s, ok := t.sessions[jobID]
	if ok {
		delete(t.sessions, jobID)
	}
	t.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Active returns the ids of the jobs currently tracked.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops every session and waits for channel goroutines to exit. It must
// not be called from a callback.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*session, 0, len(t.sessions))
	for id, s := range t.sessions {
		sessions = append(sessions, s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	t.cancel()
	t.wg.Wait()
}

func (s *session) stop() {
	s.stopped.Store(true)
	s.delivered.Store(true)
	s.cancel()
}

// release removes s from the registry after a terminal outcome.
func (t *Tracker) release(s *session) {
	t.mu.Lock()
	if t.sessions[s.jobID] == s {
		delete(t.sessions, s.jobID)
	}
	t.mu.Unlock()
	s.cancel()
}

func (t *Tracker) runPush(s *session) {
	defer t.wg.Done()

	err := t.push.Subscribe(s.ctx, s.jobID, func(ev models.JobEvent) {
		t.handleEvent(s, ev)
	})
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("push channel unavailable, relying on poll", "job_id", s.jobID, "error", err)
		return
	}
	slog.Debug("push channel closed", "job_id", s.jobID)
}

func (t *Tracker) handleEvent(s *session, ev models.JobEvent) {
	// A non-terminal error event is a server-side fault, not a job outcome.
	if ev.Type == models.EventError && !ev.Status.IsTerminal() {
		slog.Warn("push channel reported a fault", "job_id", s.jobID, "error", ev.Error)
		return
	}
	rec := ev.Record()
	if rec.ID == "" {
		rec.ID = s.jobID
	}
	t.apply(s, rec)
}

func (t *Tracker) runPoll(s *session) {
	defer t.wg.Done()

	if !sleepCtx(s.ctx, t.cfg.GraceDelay) {
		return
	}
	for attempt := 1; ; attempt++ {
		t.pollOnce(s, attempt)
		if s.delivered.Load() {
			return
		}
		t.synthesize(s)
		if attempt >= t.cfg.MaxPollAttempts {
			break
		}
		if !sleepCtx(s.ctx, t.pollDelay()) {
			return
		}
	}
	t.timeout(s)
}

func (t *Tracker) pollOnce(s *session, attempt int) {
	ctx := s.ctx
	if t.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	rec, err := t.poll.Fetch(ctx, s.jobID)
	switch {
	case err == nil:
		t.apply(s, rec)
	case s.ctx.Err() != nil:
	case errors.Is(err, ErrNotFound):
		slog.Debug("report not created yet", "job_id", s.jobID, "attempt", attempt)
	default:
		slog.Warn("poll failed", "job_id", s.jobID, "attempt", attempt, "error", err)
	}
}

// apply fuses a record from either channel into the session.
func (t *Tracker) apply(s *session, rec *models.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delivered.Load() {
		return
	}
	if !rec.UpdatedAt.IsZero() {
		if rec.UpdatedAt.Before(s.lastUpdated) {
			return
		}
		s.lastUpdated = rec.UpdatedAt
	}

	if rec.Status.IsTerminal() {
		t.finish(s, rec)
		return
	}

	if rec.Progress > t.cfg.SyntheticFloor {
		s.realSeen = true
	}
	changed := false
	if rec.Status != "" && rec.Status != s.status {
		s.status = rec.Status
		changed = true
	}
	if rec.Progress > s.progress {
		s.progress = rec.Progress
		changed = true
	}
	if rec.Message != "" && rec.Message != s.message {
		s.message = rec.Message
		changed = true
	}
	if changed {
		s.notify(false)
	}
}

// finish delivers the terminal outcome. s.mu must be held.
func (t *Tracker) finish(s *session, rec *models.JobRecord) {
	if !s.delivered.CompareAndSwap(false, true) {
		return
	}
	t.release(s)
	s.status = rec.Status
	if rec.Message != "" {
		s.message = rec.Message
	}

	if rec.Status == models.JobStatusCompleted {
		final := rec.Clone()
		final.Progress = 100
		s.progress = 100
		s.notify(false)
		if s.cb.OnComplete != nil && !s.stopped.Load() {
			s.cb.OnComplete(final)
		}
		return
	}

	slog.Info("report ended without result", "job_id", s.jobID, "status", rec.Status)
	if s.cb.OnError != nil && !s.stopped.Load() {
		s.cb.OnError(terminalError(rec))
	}
}

func (t *Tracker) synthesize(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delivered.Load() || s.realSeen {
		return
	}
	est := t.estimator.Estimate(t.now().Sub(s.started))
	if est > t.cfg.SyntheticCap {
		est = t.cfg.SyntheticCap
	}
	if est > s.progress {
		s.progress = est
		s.notify(true)
	}
}

func (t *Tracker) timeout(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.delivered.CompareAndSwap(false, true) {
		return
	}
	t.release(s)

	slog.Warn("report tracking timed out", "job_id", s.jobID, "attempts", t.cfg.MaxPollAttempts)
	if s.cb.OnError != nil && !s.stopped.Load() {
		s.cb.OnError(&JobError{JobID: s.jobID, Status: s.status, Err: ErrStillProcessing})
	}
}

// notify reports the fused state. s.mu must be held.
func (s *session) notify(synthetic bool) {
	if s.cb.OnStatusChange == nil || s.stopped.Load() {
		return
	}
	s.cb.OnStatusChange(Update{
		JobID:     s.jobID,
		Status:    s.status,
		Progress:  s.progress,
		Message:   s.message,
		Synthetic: synthetic,
	})
}

func (t *Tracker) pollDelay() time.Duration {
	d := t.cfg.PollInterval
	if j := t.cfg.PollJitter; j > 0 {
		d += time.Duration(rand.Int63n(int64(2*j)+1)) - j
	}
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
