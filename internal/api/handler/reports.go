package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/netwatch/internal/api/response"
	"github.com/kiranshivaraju/netwatch/internal/store"
	"github.com/kiranshivaraju/netwatch/internal/supervisor"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

const maxLaunchBody = 1 << 20

// ReportLauncher starts and cancels report jobs.
type ReportLauncher interface {
	Launch(ctx context.Context, cfg models.JobConfig) (*models.JobRecord, error)
	Cancel(ctx context.Context, jobID string) (*models.JobRecord, error)
	EstimatedTime() time.Duration
}

// JobReader reads job records.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
}

// LaunchResponse is the body of a 202 from POST /api/v1/reports.
type LaunchResponse struct {
	JobID         string           `json:"jobId"`
	Status        models.JobStatus `json:"status"`
	EstimatedTime int              `json:"estimatedTime"`
}

// ReportView is the client-facing shape of a job record.
type ReportView struct {
	ID              string           `json:"id"`
	Status          models.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	ProgressMessage string           `json:"progress_message"`
	Metadata        map[string]any   `json:"metadata"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewReportView converts a record to its API representation.
func NewReportView(rec *models.JobRecord) ReportView {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return ReportView{
		ID:              rec.ID,
		Status:          rec.Status,
		Progress:        rec.Progress,
		ProgressMessage: rec.Message,
		Metadata:        meta,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// NewLaunchHandler returns an http.HandlerFunc for POST /api/v1/reports.
func NewLaunchHandler(launcher ReportLauncher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg models.JobConfig
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLaunchBody)).Decode(&cfg); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		rec, err := launcher.Launch(r.Context(), cfg)
		if err != nil {
			switch {
			case errors.Is(err, supervisor.ErrInvalidConfig):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			case errors.Is(err, supervisor.ErrWorkerStart):
				var details any
				if rec != nil {
					details = map[string]string{"jobId": rec.ID}
				}
				slog.Error("report launch failed", "error", err)
				response.Error(w, http.StatusInternalServerError, "WORKER_START_FAILED",
					"The analysis worker could not be started", details)
			default:
				slog.Error("report launch failed", "error", err)
				response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
					"The job store is not available", nil)
			}
			return
		}

		slog.Info("report launched", "job_id", rec.ID, "report_type", cfg.ReportType)
		response.Accepted(w, LaunchResponse{
			JobID:         rec.ID,
			Status:        models.JobStatusGenerating,
			EstimatedTime: int(launcher.EstimatedTime().Seconds()),
		})
	}
}

// NewGetReportHandler returns an http.HandlerFunc for GET /api/v1/reports/{jobID}.
// A missing record is a 404 the client retries; it may simply not exist yet.
func NewGetReportHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		rec, err := jobs.GetJob(r.Context(), jobID)
		if err != nil {
			writeLookupError(w, jobID, err)
			return
		}
		response.Report(w, NewReportView(rec))
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/reports/{jobID}/cancel.
func NewCancelHandler(launcher ReportLauncher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		rec, err := launcher.Cancel(r.Context(), jobID)
		if err != nil {
			writeLookupError(w, jobID, err)
			return
		}
		response.Report(w, NewReportView(rec))
	}
}

func writeLookupError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "REPORT_NOT_FOUND", "Report not found", nil)
		return
	}
	slog.Error("job lookup failed", "job_id", jobID, "error", err)
	response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
		"The job store is not available", nil)
}
