package models

import (
	"time"
)

// EventType names a push stream event.
type EventType string

const (
	EventStatus   EventType = "status"
	EventUpdate   EventType = "update"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Metadata keys reserved by the push stream. Domain fields from the worker's
// result sit next to them.
const (
	MetaProgress = "progress"
	MetaMessage  = "message"
)

// JobEvent is one server-sent event on a report's push stream.
type JobEvent struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"jobId"`
	Status    JobStatus      `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewJobEvent builds an event from a record snapshot. The event timestamp is
// the record's updated_at so consumers can order events against poll reads.
func NewJobEvent(t EventType, rec *JobRecord) JobEvent {
	meta := make(map[string]any, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[MetaProgress] = rec.Progress
	if rec.Message != "" {
		meta[MetaMessage] = rec.Message
	}

	ev := JobEvent{
		Type:      t,
		JobID:     rec.ID,
		Status:    rec.Status,
		Timestamp: rec.UpdatedAt,
		Metadata:  meta,
	}
	if t == EventError && rec.Status.IsTerminal() {
		ev.Error = rec.Message
	}
	return ev
}

// Record reconstructs the record snapshot carried by the event.
func (e JobEvent) Record() *JobRecord {
	rec := &JobRecord{
		ID:        e.JobID,
		Status:    e.Status,
		UpdatedAt: e.Timestamp,
	}
	for k, v := range e.Metadata {
		switch k {
		case MetaProgress:
			rec.Progress = toInt(v)
		case MetaMessage:
			rec.Message, _ = v.(string)
		default:
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]any)
			}
			rec.Metadata[k] = v
		}
	}
	if rec.Message == "" && e.Error != "" {
		rec.Message = e.Error
	}
	return rec
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	}
	return 0
}
