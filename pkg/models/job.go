// Package models contains shared data models used across the netwatch codebase.
package models

import (
	"time"
)

// JobStatus is the lifecycle state of a report job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusGenerating JobStatus = "generating"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusGenerating, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobRecord is the single source of truth for one tracked report job.
// The API returns its id on POST /api/v1/reports; clients then stream
// /api/v1/reports/{id}/stream and poll /api/v1/reports/{id} until the status is terminal.
type JobRecord struct {
	ID        string         `db:"id"         json:"id"`
	Status    JobStatus      `db:"status"     json:"status"`
	Progress  int            `db:"progress"   json:"progress"`
	Message   string         `db:"message"    json:"progress_message,omitempty"`
	Metadata  map[string]any `db:"metadata"   json:"metadata,omitempty"`
	Config    *JobConfig     `db:"config"     json:"config,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep enough copy for callers that mutate the record.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.Config != nil {
		cfg := r.Config.Clone()
		c.Config = &cfg
	}
	return &c
}

// JobConfig is the analysis request handed to the worker process on stdin.
type JobConfig struct {
	ReportType string         `json:"report_type"`
	TimeRange  TimeRange      `json:"time_range"`
	Targets    []string       `json:"targets,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// TimeRange bounds the traffic window the worker analyzes.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Clone copies the slices and maps of c.
func (c JobConfig) Clone() JobConfig {
	out := c
	if c.Targets != nil {
		out.Targets = append([]string(nil), c.Targets...)
	}
	if c.Options != nil {
		out.Options = make(map[string]any, len(c.Options))
		for k, v := range c.Options {
			out.Options[k] = v
		}
	}
	return out
}
