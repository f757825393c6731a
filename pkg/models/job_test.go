package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusQueued, false},
		{JobStatusGenerating, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
		{JobStatus("unknown"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
	assert.False(t, JobStatus("unknown").Valid())
	assert.True(t, JobStatusCancelled.Valid())
}

func TestJobRecord_CloneIsIndependent(t *testing.T) {
	orig := &JobRecord{
		ID:       "J1",
		Metadata: map[string]any{"findings": 2},
		Config:   &JobConfig{ReportType: "traffic_summary", Targets: []string{"10.0.0.0/8"}},
	}
	c := orig.Clone()
	c.Metadata["findings"] = 9
	c.Config.Targets[0] = "192.168.0.0/16"

	assert.Equal(t, 2, orig.Metadata["findings"])
	assert.Equal(t, "10.0.0.0/8", orig.Config.Targets[0])
	assert.Nil(t, (*JobRecord)(nil).Clone())
}

func TestJobEvent_RecordAfterWire(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	rec := &JobRecord{
		ID:        "J1",
		Status:    JobStatusCompleted,
		Progress:  100,
		Message:   "Report ready",
		Metadata:  map[string]any{"findings": 3},
		UpdatedAt: updated,
	}

	data, err := json.Marshal(NewJobEvent(EventComplete, rec))
	require.NoError(t, err)

	var ev JobEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	got := ev.Record()

	assert.Equal(t, "J1", got.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "Report ready", got.Message)
	assert.Equal(t, float64(3), got.Metadata["findings"])
	assert.True(t, updated.Equal(got.UpdatedAt))
}

func TestNewJobEvent_TerminalErrorCarriesMessage(t *testing.T) {
	ev := NewJobEvent(EventError, &JobRecord{ID: "J2", Status: JobStatusFailed, Message: "worker exited with status 2"})
	assert.Equal(t, "worker exited with status 2", ev.Error)

	ev = NewJobEvent(EventError, &JobRecord{ID: "J2", Status: JobStatusGenerating, Message: "still going"})
	assert.Empty(t, ev.Error)
}
