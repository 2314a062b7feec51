package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/lilseedabe/genbroker/internal/models"
	"github.com/lilseedabe/genbroker/internal/notify"
	"github.com/lilseedabe/genbroker/internal/provider"
)

// Orchestrator is the job-lifecycle surface the generate worker needs.
// Implemented by the jobs service.
type Orchestrator interface {
	BeginProcessing(ctx context.Context, jobID string) error
	CompleteSuccess(ctx context.Context, jobID string, result *provider.Result) error
	CompleteFailure(ctx context.Context, jobID, reason string) error
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	orchestrator Orchestrator
	provider     provider.Provider
	logger       *slog.Logger
}

func NewGenerateWorker(orchestrator Orchestrator, p provider.Provider, logger *slog.Logger) *GenerateWorker {
	return &GenerateWorker{orchestrator: orchestrator, provider: p, logger: logger}
}

// Timeout bounds one provider call. Video generation polls for minutes.
func (w *GenerateWorker) Timeout(*river.Job[GenerateArgs]) time.Duration {
	return 15 * time.Minute
}

// Work drives one generation attempt. Error convention: returning an error
// asks the queue to retry (the reservation stays active and is still covered
// by the sweep); returning nil after compensation marks a business failure
// as handled.
func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args
	log := w.logger.With("job_id", args.JobID, "model", args.Model, "attempt", job.Attempt)

	if err := w.orchestrator.BeginProcessing(ctx, args.JobID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Cancelled or already terminal; nothing to run.
			log.Info("skipping job no longer pending")
			return nil
		}
		return fmt.Errorf("marking job processing: %w", err)
	}

	result, err := w.provider.Generate(ctx, &provider.Request{
		JobID:  args.JobID,
		Type:   args.Type,
		Model:  args.Model,
		Prompt: args.Prompt,
		Params: args.Params,
	})
	if err != nil {
		finalAttempt := job.Attempt >= job.MaxAttempts
		if provider.IsRetryable(err) && !finalAttempt {
			log.Warn("provider call failed, retrying", "error", err)
			return err
		}
		// Permanent failure, or out of attempts: release the user's credits
		// and fail the job before surfacing the error.
		log.Error("provider call failed permanently", "error", err)
		if ferr := w.orchestrator.CompleteFailure(ctx, args.JobID, err.Error()); ferr != nil {
			return fmt.Errorf("compensating failed generation: %w (provider error: %v)", ferr, err)
		}
		if finalAttempt && provider.IsRetryable(err) {
			return err
		}
		return nil
	}

	if err := w.orchestrator.CompleteSuccess(ctx, args.JobID, result); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	log.Info("generation completed", "url", result.URL)
	return nil
}

// NotifyWorker delivers queued notifications. Delivery is best-effort: the
// dispatcher swallows sink errors, and this worker never fails the queue job.
type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	dispatcher *notify.Dispatcher
}

func NewNotifyWorker(dispatcher *notify.Dispatcher) *NotifyWorker {
	return &NotifyWorker{dispatcher: dispatcher}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	w.dispatcher.Dispatch(ctx, &job.Args.Payload)
	return nil
}

// Sweeper reclaims expired credit reservations, fails their jobs, and finds
// jobs stuck in a non-terminal state.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
	FindStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error)
}

// StaleThreshold is how long a job may sit unfinished before the sweep flags
// it. Shorter than the reservation TTL so operators see the discrepancy
// before the hold is force-released.
const StaleThreshold = 30 * time.Minute

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweepWorker(sweeper Sweeper, logger *slog.Logger) *SweepWorker {
	return &SweepWorker{sweeper: sweeper, logger: logger}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	count, err := w.sweeper.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweeping expired reservations: %w", err)
	}
	if count > 0 {
		w.logger.Info("swept expired reservations", "count", count)
	}

	// The stale scan is diagnostic; its failure never fails the sweep.
	stale, err := w.sweeper.FindStale(ctx, StaleThreshold)
	if err != nil {
		w.logger.Error("finding stale jobs", "error", err)
		return nil
	}
	for _, j := range stale {
		w.logger.Warn("job stuck in a non-terminal state",
			"job_id", j.ID, "status", j.Status, "age", time.Since(j.CreatedAt).Round(time.Second).String())
	}
	return nil
}

// Retainer deletes terminal job records older than the retention window.
type Retainer interface {
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWindow is how long terminal job records are kept.
const RetentionWindow = 90 * 24 * time.Hour

type RetentionWorker struct {
	river.WorkerDefaults[RetentionArgs]
	retainer Retainer
	logger   *slog.Logger
}

func NewRetentionWorker(retainer Retainer, logger *slog.Logger) *RetentionWorker {
	return &RetentionWorker{retainer: retainer, logger: logger}
}

func (w *RetentionWorker) Work(ctx context.Context, _ *river.Job[RetentionArgs]) error {
	deleted, err := w.retainer.DeleteTerminalOlderThan(ctx, time.Now().Add(-RetentionWindow))
	if err != nil {
		return fmt.Errorf("deleting old job records: %w", err)
	}
	if deleted > 0 {
		w.logger.Info("deleted old job records", "count", deleted)
	}
	return nil
}

// Alerter queues low-balance alerts for members under the courtesy
// threshold.
type Alerter interface {
	NotifyLowBalances(ctx context.Context) (int, error)
}

type CreditAlertWorker struct {
	river.WorkerDefaults[CreditAlertArgs]
	alerter Alerter
	logger  *slog.Logger
}

func NewCreditAlertWorker(alerter Alerter, logger *slog.Logger) *CreditAlertWorker {
	return &CreditAlertWorker{alerter: alerter, logger: logger}
}

func (w *CreditAlertWorker) Work(ctx context.Context, _ *river.Job[CreditAlertArgs]) error {
	count, err := w.alerter.NotifyLowBalances(ctx)
	if err != nil {
		return fmt.Errorf("scanning low balances: %w", err)
	}
	if count > 0 {
		w.logger.Info("queued low-balance alerts", "count", count)
	}
	return nil
}

// Refiller grants the monthly allowance to members whose refill is due.
type Refiller interface {
	RefillDueMembers(ctx context.Context) (int, error)
}

type RefillWorker struct {
	river.WorkerDefaults[RefillArgs]
	refiller Refiller
	logger   *slog.Logger
}

func NewRefillWorker(refiller Refiller, logger *slog.Logger) *RefillWorker {
	return &RefillWorker{refiller: refiller, logger: logger}
}

func (w *RefillWorker) Work(ctx context.Context, _ *river.Job[RefillArgs]) error {
	count, err := w.refiller.RefillDueMembers(ctx)
	if err != nil {
		return fmt.Errorf("refilling member credits: %w", err)
	}
	if count > 0 {
		w.logger.Info("refilled member credits", "count", count)
	}
	return nil
}
