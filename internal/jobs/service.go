package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lilseedabe/genbroker/internal/cache"
	"github.com/lilseedabe/genbroker/internal/execution"
	"github.com/lilseedabe/genbroker/internal/ledger"
	"github.com/lilseedabe/genbroker/internal/models"
	"github.com/lilseedabe/genbroker/internal/notify"
	"github.com/lilseedabe/genbroker/internal/pricing"
	"github.com/lilseedabe/genbroker/internal/provider"
	"github.com/lilseedabe/genbroker/internal/usage"
	"github.com/lilseedabe/genbroker/internal/validate"
)

var ErrJobNotFound = errors.New("job not found")

// ErrNotOwner is returned when a caller addresses a job that belongs to
// someone else.
var ErrNotOwner = errors.New("job belongs to another user")

// ErrNotCancellable means the job already reached a terminal state.
var ErrNotCancellable = errors.New("job is no longer cancellable")

// ValidationError is the synchronous rejection for a request that fails
// static validation. No reservation or job record exists afterwards.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Errors, "; ")
}

// LowBalanceThreshold triggers a courtesy alert after settlement.
const LowBalanceThreshold = 100

// statusCacheTTL is how long job snapshots live in the cache; terminal jobs
// never change so they keep a longer one.
const (
	statusCacheTTL         = 15 * time.Second
	terminalStatusCacheTTL = 10 * time.Minute
)

// Ledger is the credit surface the orchestrator needs.
type Ledger interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, jobID *string, model, description string) (*models.CreditReservation, error)
	Settle(ctx context.Context, reservationID uuid.UUID, actualCost int64, model string) (*ledger.SettleResult, error)
	Release(ctx context.Context, reservationID uuid.UUID, reason string) (int64, error)
	SweepExpired(ctx context.Context) ([]ledger.SweptReservation, error)
	Balance(ctx context.Context, userID uuid.UUID) (*ledger.Balance, error)
	LowBalanceUsers(ctx context.Context, threshold int64) ([]*models.CreditAccount, error)
}

// JobStore is the persistence surface of the orchestrator, implemented by
// *Repository.
type JobStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, j *models.Job) error
	SetQueueJobID(ctx context.Context, tx pgx.Tx, jobID string, queueJobID int64) error
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, creditsUsed int64, resultURL string) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	MarkCancelled(ctx context.Context, jobID string) error
	SetSharePostURL(ctx context.Context, jobID, url string) error
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, status string) ([]*models.Job, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Validator interface {
	Validate(req *validate.Request) *validate.Result
}

type UsageLimiter interface {
	Accept(ctx context.Context, userID uuid.UUID) error
}

// StatusCache holds short-lived job snapshots so polling clients do not hit
// Postgres on every request. Nil-safe via the noopCache fallback.
type StatusCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Queue insert hooks. The river client is constructed after this service
// (its workers need the service), so main binds these late.
type (
	InsertGenerateTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) (int64, error)
	InsertNotifyFunc     func(ctx context.Context, args execution.NotifyArgs) error
	CancelQueueJobFunc   func(ctx context.Context, queueJobID int64) error
)

// SubmitRequest is one generation request after authentication.
type SubmitRequest struct {
	UserID uuid.UUID
	Type   string
	Model  string
	Prompt string
	Params []byte
}

// SubmitResult is returned to the caller immediately; the generation itself
// runs asynchronously.
type SubmitResult struct {
	Job               *models.Job   `json:"job"`
	EstimatedDuration time.Duration `json:"-"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// Service is the job orchestrator: it admits requests, holds credits, drives
// the job state machine, and settles or releases on completion.
type Service struct {
	repo      JobStore
	ledger    Ledger
	validator Validator
	limiter   UsageLimiter
	cache     StatusCache
	node      *snowflake.Node
	logger    *slog.Logger

	mu             sync.RWMutex
	insertGenerate InsertGenerateTxFunc
	insertNotify   InsertNotifyFunc
	cancelQueueJob CancelQueueJobFunc
}

var (
	_ execution.Orchestrator = (*Service)(nil)
	_ execution.Sweeper      = (*Service)(nil)
	_ execution.Retainer     = (*Service)(nil)
	_ execution.Alerter      = (*Service)(nil)
)

func NewService(repo JobStore, l Ledger, validator Validator, limiter UsageLimiter, statusCache StatusCache, node *snowflake.Node, logger *slog.Logger) *Service {
	if statusCache == nil {
		statusCache = noopCache{}
	}
	return &Service{
		repo:      repo,
		ledger:    l,
		validator: validator,
		limiter:   limiter,
		cache:     statusCache,
		node:      node,
		logger:    logger,
	}
}

type noopCache struct{}

func (noopCache) GetJSON(context.Context, string, any) (bool, error)       { return false, nil }
func (noopCache) SetJSON(context.Context, string, any, time.Duration) error { return nil }
func (noopCache) Delete(context.Context, ...string) error                   { return nil }

// BindQueue wires the river insert/cancel hooks once the client exists.
func (s *Service) BindQueue(insertGenerate InsertGenerateTxFunc, insertNotify InsertNotifyFunc, cancel CancelQueueJobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertGenerate = insertGenerate
	s.insertNotify = insertNotify
	s.cancelQueueJob = cancel
}

func (s *Service) queueHooks() (InsertGenerateTxFunc, InsertNotifyFunc, CancelQueueJobFunc) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertGenerate, s.insertNotify, s.cancelQueueJob
}

// Submit admits a generation request: validate, count against usage limits,
// then reserve credits, create the job record and enqueue the work in one
// transaction. Any failure leaves no partial state behind.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	result := s.validator.Validate(&validate.Request{
		Type:   req.Type,
		Model:  req.Model,
		Prompt: req.Prompt,
		Params: req.Params,
	})
	if !result.Valid {
		return nil, &ValidationError{Errors: result.Errors}
	}

	if err := s.limiter.Accept(ctx, req.UserID); err != nil {
		return nil, err
	}
	active, err := s.repo.CountActiveByUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("counting active jobs: %w", err)
	}
	if active >= usage.MaxConcurrent {
		return nil, &usage.LimitError{Limit: "concurrent jobs", Max: usage.MaxConcurrent}
	}

	estimate := pricing.EstimateCost(req.Type, req.Model, req.Params)
	jobID := "job_" + s.node.Generate().String()

	insertGenerate, _, _ := s.queueHooks()
	if insertGenerate == nil {
		return nil, errors.New("queue not bound")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	reservation, err := s.ledger.ReserveTx(ctx, tx, req.UserID, estimate.TotalCost, &jobID, req.Model,
		fmt.Sprintf("Reserved for %s generation (%s)", req.Type, req.Model))
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:              jobID,
		UserID:          req.UserID,
		Type:            req.Type,
		Model:           req.Model,
		Prompt:          result.CleanedPrompt,
		Params:          req.Params,
		Status:          models.JobStatusPending,
		ReservationID:   reservation.ID,
		CreditsReserved: estimate.TotalCost,
	}
	if err := s.repo.Create(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("creating job record: %w", err)
	}

	queueJobID, err := insertGenerate(ctx, tx, execution.GenerateArgs{
		JobID:         jobID,
		UserID:        req.UserID,
		ReservationID: reservation.ID,
		Type:          req.Type,
		Model:         req.Model,
		Prompt:        result.CleanedPrompt,
		Params:        req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing generation: %w", err)
	}
	if err := s.repo.SetQueueJobID(ctx, tx, jobID, queueJobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	job.QueueJobID = &queueJobID
	s.logger.Info("job submitted",
		"job_id", jobID, "user_id", req.UserID, "type", req.Type, "model", req.Model,
		"credits_reserved", estimate.TotalCost)

	return &SubmitResult{
		Job:               job,
		EstimatedDuration: pricing.EstimatedDuration(req.Type, req.Model),
		Warnings:          result.Warnings,
	}, nil
}

// BeginProcessing implements execution.Orchestrator.
func (s *Service) BeginProcessing(ctx context.Context, jobID string) error {
	if err := s.repo.MarkProcessing(ctx, jobID); err != nil {
		return err
	}
	s.invalidateStatus(ctx, jobID)
	return nil
}

// CompleteSuccess settles the reservation at the real cost and finishes the
// job. Settlement races (sweep or cancellation already released the hold)
// do not fail the worker.
func (s *Service) CompleteSuccess(ctx context.Context, jobID string, result *provider.Result) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	actualCost := job.CreditsReserved
	if result.ActualCost != nil {
		actualCost = *result.ActualCost
	}

	creditsUsed := int64(0)
	settled, err := s.ledger.Settle(ctx, job.ReservationID, actualCost, job.Model)
	switch {
	case errors.Is(err, ledger.ErrReservationExpired):
		// The hold outlived its TTL; the sweep owns the refund. The user is
		// not billed but still gets their result.
		s.logger.Warn("completing job with expired reservation, user not billed",
			"job_id", jobID, "reservation_id", job.ReservationID)
	case err != nil:
		return fmt.Errorf("settling reservation: %w", err)
	case settled.Released:
		// Cancellation or the sweep won; the job is already on its way to a
		// terminal state.
		s.logger.Warn("reservation released before settlement, skipping completion", "job_id", jobID)
		return nil
	default:
		creditsUsed = settled.Consumed
	}

	if err := s.repo.MarkCompleted(ctx, jobID, creditsUsed, result.URL); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Warn("job no longer processing, discarding result", "job_id", jobID)
			return nil
		}
		return err
	}
	s.invalidateStatus(ctx, jobID)

	shareURL := notify.TweetIntentURL(result.URL, job.Prompt, job.Model, job.Type)
	if err := s.repo.SetSharePostURL(ctx, jobID, shareURL); err != nil {
		s.logger.Warn("storing share url failed", "job_id", jobID, "error", err)
	}

	s.enqueueNotification(ctx, &notify.Payload{
		UserID:       job.UserID,
		JobID:        jobID,
		Event:        notify.EventJobCompleted,
		Message:      fmt.Sprintf("Your %s is ready.", job.Type),
		ResultURL:    result.URL,
		SharePostURL: shareURL,
		CreditsUsed:  &creditsUsed,
	})
	s.alertIfLowBalance(ctx, job.UserID)
	return nil
}

// CompleteFailure releases the hold and fails the job. Both halves are
// idempotent so the worker can safely retry compensation.
func (s *Service) CompleteFailure(ctx context.Context, jobID, reason string) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if _, err := s.ledger.Release(ctx, job.ReservationID, "generation failed"); err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	if err := s.repo.MarkFailed(ctx, jobID, reason); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Info("job already terminal, skipping fail", "job_id", jobID)
			return nil
		}
		return err
	}
	s.invalidateStatus(ctx, jobID)

	s.enqueueNotification(ctx, &notify.Payload{
		UserID:  job.UserID,
		JobID:   jobID,
		Event:   notify.EventJobFailed,
		Message: fmt.Sprintf("Your %s generation failed: %s. Reserved credits were returned.", job.Type, reason),
	})
	return nil
}

// Cancel stops a job that has not finished. The queue removal is
// best-effort: a worker may already hold the job, in which case the status
// guard below decides the race.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, jobID string) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrNotOwner
	}
	if models.IsTerminal(job.Status) {
		return ErrNotCancellable
	}

	_, _, cancelQueueJob := s.queueHooks()
	if cancelQueueJob != nil && job.QueueJobID != nil {
		if err := cancelQueueJob(ctx, *job.QueueJobID); err != nil {
			s.logger.Warn("queue cancel failed, relying on status guard", "job_id", jobID, "error", err)
		}
	}

	if err := s.repo.MarkCancelled(ctx, jobID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return ErrNotCancellable
		}
		return err
	}
	s.invalidateStatus(ctx, jobID)

	released, err := s.ledger.Release(ctx, job.ReservationID, "cancelled by user")
	if err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	message := fmt.Sprintf("Your %s generation was cancelled and its credits returned.", job.Type)
	if released == 0 {
		// Settlement won the race; the hold was already consumed, so do not
		// promise credits that are not coming back.
		s.logger.Warn("cancelled job was already settled, no credits to return", "job_id", jobID)
		message = fmt.Sprintf("Your %s generation was cancelled.", job.Type)
	}

	s.enqueueNotification(ctx, &notify.Payload{
		UserID:  userID,
		JobID:   jobID,
		Event:   notify.EventJobCancelled,
		Message: message,
	})
	return nil
}

// Status returns one job, owner-checked, through the snapshot cache.
func (s *Service) Status(ctx context.Context, userID uuid.UUID, jobID string) (*models.Job, error) {
	key := statusKey(jobID)
	var cached models.Job
	if found, err := s.cache.GetJSON(ctx, key, &cached); err == nil && found {
		if cached.UserID != userID {
			return nil, ErrNotOwner
		}
		return &cached, nil
	}

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotOwner
	}

	ttl := statusCacheTTL
	if models.IsTerminal(job.Status) {
		ttl = terminalStatusCacheTTL
	}
	if err := s.cache.SetJSON(ctx, key, job, ttl); err != nil {
		s.logger.Warn("caching job status failed", "job_id", jobID, "error", err)
	}
	return job, nil
}

// List returns a page of the user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int, status string) ([]*models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByUser(ctx, userID, limit, offset, status)
}

// SweepExpired implements execution.Sweeper. Beyond reclaiming the credits,
// it force-fails the job bound to each expired hold so a job cannot sit in
// processing forever after its credits came back.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	swept, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, res := range swept {
		s.logger.Warn("reservation expired and was released",
			"reservation_id", res.ReservationID, "user_id", res.UserID, "amount", res.Amount)
		if res.JobID == nil {
			continue
		}
		err := s.repo.MarkFailed(ctx, *res.JobID, "credit reservation expired")
		switch {
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, ErrJobNotFound):
			// Already terminal or gone; the release was the important part.
		case err != nil:
			s.logger.Error("failing swept job", "job_id", *res.JobID, "error", err)
		default:
			s.invalidateStatus(ctx, *res.JobID)
			s.enqueueNotification(ctx, &notify.Payload{
				UserID:  res.UserID,
				JobID:   *res.JobID,
				Event:   notify.EventJobFailed,
				Message: "Your generation timed out and its reserved credits were returned.",
			})
		}
	}
	return len(swept), nil
}

// FindStale lists jobs stuck in pending or processing past the threshold.
// Their reservations are reclaimed by the TTL sweep; this surfaces the jobs
// themselves, including ones whose hold was already released.
func (s *Service) FindStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error) {
	return s.repo.ListStale(ctx, time.Now().Add(-olderThan))
}

// NotifyLowBalances implements execution.Alerter: one courtesy alert per
// member under the threshold, queued from the maintenance scan.
func (s *Service) NotifyLowBalances(ctx context.Context) (int, error) {
	accounts, err := s.ledger.LowBalanceUsers(ctx, LowBalanceThreshold)
	if err != nil {
		return 0, err
	}
	for _, account := range accounts {
		s.enqueueNotification(ctx, &notify.Payload{
			UserID: account.UserID,
			Event:  notify.EventLowBalance,
			Message: fmt.Sprintf("You have %d credits left. Your balance refills with your next membership cycle.",
				account.AvailableCredits),
		})
	}
	return len(accounts), nil
}

// DeleteTerminalOlderThan implements execution.Retainer.
func (s *Service) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.DeleteTerminalOlderThan(ctx, cutoff)
}

func (s *Service) enqueueNotification(ctx context.Context, p *notify.Payload) {
	_, insertNotify, _ := s.queueHooks()
	if insertNotify == nil {
		return
	}
	if err := insertNotify(ctx, execution.NotifyArgs{Payload: *p}); err != nil {
		s.logger.Warn("enqueueing notification failed", "event", p.Event, "job_id", p.JobID, "error", err)
	}
}

func (s *Service) alertIfLowBalance(ctx context.Context, userID uuid.UUID) {
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		s.logger.Warn("balance check after settle failed", "user_id", userID, "error", err)
		return
	}
	if balance.Account.AvailableCredits > LowBalanceThreshold {
		return
	}
	s.enqueueNotification(ctx, &notify.Payload{
		UserID: userID,
		Event:  notify.EventLowBalance,
		Message: fmt.Sprintf("You have %d credits left. Your balance refills with your next membership cycle.",
			balance.Account.AvailableCredits),
	})
}

func (s *Service) invalidateStatus(ctx context.Context, jobID string) {
	if err := s.cache.Delete(ctx, statusKey(jobID)); err != nil {
		s.logger.Warn("invalidating job status cache failed", "job_id", jobID, "error", err)
	}
}

func statusKey(jobID string) string {
	return cache.JobStatusKey(jobID)
}
