// Package notify delivers user-facing notifications. Delivery is strictly
// best-effort: a failed notification is logged and dropped, and must never
// roll back or retry the job or credit state it reports on.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Notification events.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
	EventLowBalance   = "credit.low_balance"
)

type Payload struct {
	UserID       uuid.UUID `json:"user_id"`
	JobID        string    `json:"job_id,omitempty"`
	Event        string    `json:"event"`
	Message      string    `json:"message"`
	ResultURL    string    `json:"result_url,omitempty"`
	SharePostURL string    `json:"share_post_url,omitempty"`
	CreditsUsed  *int64    `json:"credits_used,omitempty"`
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p *Payload) error
}

// Dispatcher fans a payload out to every sink.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Dispatch delivers to all sinks. Sink errors are swallowed after logging.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, p); err != nil {
			d.logger.Warn("notification delivery failed",
				"sink", sink.Name(), "event", p.Event, "user_id", p.UserID, "job_id", p.JobID, "error", err)
		}
	}
}
