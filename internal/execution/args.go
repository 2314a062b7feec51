package execution

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/lilseedabe/genbroker/internal/notify"
)

// Queue names. Generation is deliberately narrow to respect provider rate
// limits; notifications are cheap I/O and run wide.
const (
	QueueGeneration   = "generation"
	QueueNotification = "notification"
	QueueMaintenance  = "maintenance"
)

const (
	GenerationMaxWorkers   = 3
	NotificationMaxWorkers = 10
	MaintenanceMaxWorkers  = 1
)

// MaxGenerateAttempts bounds provider retries per job.
const MaxGenerateAttempts = 3

// GenerateArgs carries everything the generate worker needs so it never has
// to re-read the job row before starting.
type GenerateArgs struct {
	JobID         string          `json:"job_id"`
	UserID        uuid.UUID       `json:"user_id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	Type          string          `json:"type"`
	Model         string          `json:"model"`
	Prompt        string          `json:"prompt"`
	Params        json.RawMessage `json:"params,omitempty"`
}

func (GenerateArgs) Kind() string { return "generation.generate" }

func (GenerateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueGeneration, MaxAttempts: MaxGenerateAttempts}
}

type NotifyArgs struct {
	Payload notify.Payload `json:"payload"`
}

func (NotifyArgs) Kind() string { return "notification.send" }

func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueNotification}
}

// SweepArgs triggers the expired-reservation sweep.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "maintenance.sweep_reservations" }

func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}

// RetentionArgs triggers deletion of old terminal job records.
type RetentionArgs struct{}

func (RetentionArgs) Kind() string { return "maintenance.retention" }

func (RetentionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}

// CreditAlertArgs triggers the low-balance alert scan.
type CreditAlertArgs struct{}

func (CreditAlertArgs) Kind() string { return "maintenance.credit_alert" }

func (CreditAlertArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}

// RefillArgs triggers the monthly membership credit refill scan.
type RefillArgs struct{}

func (RefillArgs) Kind() string { return "maintenance.refill" }

func (RefillArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}
