package tracker

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// Sentinel errors delivered through Callbacks.OnError. Match with errors.Is.
var (
	ErrJobFailed       = errors.New("report generation failed")
	ErrJobCancelled    = errors.New("report was cancelled")
	ErrStillProcessing = errors.New("report is still processing in the background")
)

// Sentinel errors for the HTTP channels.
var (
	ErrNotFound          = errors.New("report not found")
	ErrServerUnreachable = errors.New("report server unreachable")
	ErrRequestTimeout    = errors.New("report server request timeout")
	ErrUnexpectedStatus  = errors.New("unexpected response from report server")
)

// JobError is the job-level outcome handed to OnError.
type JobError struct {
	JobID   string
	Status  models.JobStatus
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s: %v: %s", e.JobID, e.Err, e.Message)
}

func (e *JobError) Unwrap() error { return e.Err }

func terminalError(rec *models.JobRecord) *JobError {
	je := &JobError{JobID: rec.ID, Status: rec.Status, Message: rec.Message, Err: ErrJobFailed}
	if rec.Status == models.JobStatusCancelled {
		je.Err = ErrJobCancelled
	}
	return je
}
