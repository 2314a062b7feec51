package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job statuses. pending is the sole initial state; completed, failed and
// cancelled are terminal.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Generation types.
const (
	JobTypeImage = "image"
	JobTypeVideo = "video"
)

// Job is the durable record of one generation request. ReservationID is set
// at creation and never reassigned; CreditsUsed is set only on completion.
type Job struct {
	ID              string          `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Type            string          `json:"type"`
	Model           string          `json:"model"`
	Prompt          string          `json:"prompt"`
	Params          json.RawMessage `json:"params,omitempty"`
	Status          string          `json:"status"`
	ReservationID   uuid.UUID       `json:"reservation_id"`
	CreditsReserved int64           `json:"credits_reserved"`
	CreditsUsed     *int64          `json:"credits_used,omitempty"`
	ResultURL       *string         `json:"result_url,omitempty"`
	SharePostURL    *string         `json:"share_post_url,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	QueueJobID      *int64          `json:"queue_job_id,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ErrInvalidTransition is returned when a status change would violate the
// job state machine, including any exit from a terminal state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// jobTransitions is the one-directional state machine. A pending job may
// fail without ever processing (reservation sweep, queue exhaustion).
var jobTransitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// ValidTransition reports whether from -> to is a legal status change.
func ValidTransition(from, to string) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the job is pending or processing.
func (j *Job) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// ExecutionTime returns the wall time between start and completion, or zero
// if the job never ran to a terminal state.
func (j *Job) ExecutionTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
