package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/netwatch/internal/config"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

const heartbeatInterval = 15 * time.Second

// NewStreamHandler returns an http.HandlerFunc for GET /api/v1/reports/{jobID}/stream.
//
// The stream opens with a status event for the current record, then emits an
// update event each time updated_at advances. A terminal record produces one
// complete or error event and the connection closes. A store failure produces
// an error event carrying the last non-terminal status, which clients treat as
// a cue to fall back to polling.
func NewStreamHandler(jobs JobReader, cfg config.StreamConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		ctx := r.Context()

		rec, err := jobs.GetJob(ctx, jobID)
		if err != nil {
			writeLookupError(w, jobID, err)
			return
		}

		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Warn("clear stream write deadline", "job_id", jobID, "error", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sse := &eventWriter{w: w, rc: rc}
		if err := sse.send(models.NewJobEvent(models.EventStatus, rec)); err != nil {
			return
		}
		if rec.Status.IsTerminal() {
			_ = sse.send(terminalEvent(rec))
			return
		}

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		deadline := time.NewTimer(cfg.MaxDuration)
		defer deadline.Stop()

		last := rec
		for {
			select {
			case <-ctx.Done():
				return

			case <-deadline.C:
				slog.Info("report stream reached max duration", "job_id", jobID)
				return

			case <-heartbeat.C:
				if err := sse.comment("keep-alive"); err != nil {
					return
				}

			case <-ticker.C:
				cur, err := jobs.GetJob(ctx, jobID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("report stream read failed", "job_id", jobID, "error", err)
					_ = sse.send(models.JobEvent{
						Type:      models.EventError,
						JobID:     jobID,
						Status:    last.Status,
						Timestamp: time.Now().UTC(),
						Error:     "job store unavailable",
					})
					return
				}

				if !cur.UpdatedAt.After(last.UpdatedAt) {
					continue
				}
				last = cur

				if cur.Status.IsTerminal() {
					_ = sse.send(terminalEvent(cur))
					return
				}
				if err := sse.send(models.NewJobEvent(models.EventUpdate, cur)); err != nil {
					return
				}
			}
		}
	}
}

func terminalEvent(rec *models.JobRecord) models.JobEvent {
	if rec.Status == models.JobStatusCompleted {
		return models.NewJobEvent(models.EventComplete, rec)
	}
	return models.NewJobEvent(models.EventError, rec)
}

type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (e *eventWriter) send(ev models.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return e.rc.Flush()
}

func (e *eventWriter) comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	return e.rc.Flush()
}
