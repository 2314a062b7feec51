package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/lilseedabe/genbroker/internal/models"
	"github.com/lilseedabe/genbroker/internal/provider"
)

type mockOrchestrator struct {
	mu sync.Mutex

	beginErr error

	began     []string
	succeeded []string
	results   []*provider.Result
	failed    []string
	reasons   []string
}

func (m *mockOrchestrator) BeginProcessing(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return m.beginErr
	}
	m.began = append(m.began, jobID)
	return nil
}

func (m *mockOrchestrator) CompleteSuccess(_ context.Context, jobID string, result *provider.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded = append(m.succeeded, jobID)
	m.results = append(m.results, result)
	return nil
}

func (m *mockOrchestrator) CompleteFailure(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, jobID)
	m.reasons = append(m.reasons, reason)
	return nil
}

type stubProvider struct {
	result *provider.Result
	err    error
}

func (stubProvider) Name() string { return "stub" }

func (p stubProvider) Generate(context.Context, *provider.Request) (*provider.Result, error) {
	return p.result, p.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func generateJob(attempt, maxAttempts int) *river.Job[GenerateArgs] {
	return &river.Job[GenerateArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args: GenerateArgs{
			JobID:  "job_1",
			Type:   models.JobTypeImage,
			Model:  "openai/dall-e-3",
			Prompt: "a fox",
		},
	}
}

func TestGenerateWorkerSuccess(t *testing.T) {
	orch := &mockOrchestrator{}
	result := &provider.Result{URL: "https://cdn.example.com/fox.png"}
	w := NewGenerateWorker(orch, stubProvider{result: result}, discard())

	if err := w.Work(context.Background(), generateJob(1, MaxGenerateAttempts)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(orch.began) != 1 || len(orch.succeeded) != 1 {
		t.Errorf("lifecycle calls: began=%v succeeded=%v", orch.began, orch.succeeded)
	}
	if len(orch.results) != 1 || orch.results[0].URL != result.URL {
		t.Errorf("result passed through: %+v", orch.results)
	}
	if len(orch.failed) != 0 {
		t.Errorf("no compensation expected, got %v", orch.failed)
	}
}

func TestGenerateWorkerRetryableError(t *testing.T) {
	orch := &mockOrchestrator{}
	provErr := &provider.Error{Code: provider.CodeUnavailable, Message: "overloaded", Retryable: true}
	w := NewGenerateWorker(orch, stubProvider{err: provErr}, discard())

	// Attempts remain: the error surfaces so the queue retries, and no
	// compensation runs.
	err := w.Work(context.Background(), generateJob(1, MaxGenerateAttempts))
	if err == nil {
		t.Fatal("retryable mid-flight error must surface to the queue")
	}
	if len(orch.failed) != 0 {
		t.Errorf("credits must stay held across retries, got compensation %v", orch.failed)
	}
}

func TestGenerateWorkerRetryableErrorFinalAttempt(t *testing.T) {
	orch := &mockOrchestrator{}
	provErr := &provider.Error{Code: provider.CodeTimeout, Message: "deadline", Retryable: true}
	w := NewGenerateWorker(orch, stubProvider{err: provErr}, discard())

	// Out of attempts: compensation runs, then the error still surfaces so
	// the queue records the exhausted job as errored.
	err := w.Work(context.Background(), generateJob(MaxGenerateAttempts, MaxGenerateAttempts))
	if err == nil {
		t.Fatal("exhausted retryable error should surface")
	}
	if len(orch.failed) != 1 {
		t.Fatalf("compensation calls: got %d, want 1", len(orch.failed))
	}
	if orch.reasons[0] == "" {
		t.Error("failure reason should carry the provider message")
	}
}

func TestGenerateWorkerPermanentError(t *testing.T) {
	orch := &mockOrchestrator{}
	provErr := &provider.Error{Code: provider.CodeContentPolicy, Message: "policy violation", Retryable: false}
	w := NewGenerateWorker(orch, stubProvider{err: provErr}, discard())

	// A permanent error compensates immediately and returns nil even with
	// attempts left, so the queue does not retry a hopeless job.
	if err := w.Work(context.Background(), generateJob(1, MaxGenerateAttempts)); err != nil {
		t.Fatalf("permanent failure must be handled, got: %v", err)
	}
	if len(orch.failed) != 1 {
		t.Fatalf("compensation calls: got %d, want 1", len(orch.failed))
	}
	if len(orch.succeeded) != 0 {
		t.Errorf("no success expected, got %v", orch.succeeded)
	}
}

func TestGenerateWorkerSkipsCancelledJob(t *testing.T) {
	orch := &mockOrchestrator{beginErr: models.ErrInvalidTransition}
	w := NewGenerateWorker(orch, stubProvider{result: &provider.Result{URL: "u"}}, discard())

	if err := w.Work(context.Background(), generateJob(1, MaxGenerateAttempts)); err != nil {
		t.Fatalf("cancelled job should be skipped cleanly, got: %v", err)
	}
	if len(orch.succeeded) != 0 || len(orch.failed) != 0 {
		t.Error("no lifecycle calls expected after a skipped job")
	}
}

type stubSweeper struct {
	count    int
	err      error
	stale    []*models.Job
	staleErr error
}

func (s stubSweeper) SweepExpired(context.Context) (int, error) { return s.count, s.err }

func (s stubSweeper) FindStale(context.Context, time.Duration) ([]*models.Job, error) {
	return s.stale, s.staleErr
}

func TestSweepWorker(t *testing.T) {
	w := NewSweepWorker(stubSweeper{count: 2}, discard())
	if err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatalf("Work: %v", err)
	}

	w = NewSweepWorker(stubSweeper{err: errors.New("db down")}, discard())
	if err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{}}); err == nil {
		t.Fatal("sweep errors must surface for retry")
	}

	// The stale scan is diagnostic only; neither stale jobs nor a scan
	// failure may fail the sweep.
	w = NewSweepWorker(stubSweeper{stale: []*models.Job{{ID: "job_1", Status: models.JobStatusProcessing}}}, discard())
	if err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatalf("stale jobs must only be logged, got: %v", err)
	}
	w = NewSweepWorker(stubSweeper{staleErr: errors.New("db down")}, discard())
	if err := w.Work(context.Background(), &river.Job[SweepArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatalf("stale scan failure must only be logged, got: %v", err)
	}
}

type stubAlerter struct {
	count int
	err   error
}

func (s stubAlerter) NotifyLowBalances(context.Context) (int, error) { return s.count, s.err }

func TestCreditAlertWorker(t *testing.T) {
	w := NewCreditAlertWorker(stubAlerter{count: 3}, discard())
	if err := w.Work(context.Background(), &river.Job[CreditAlertArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatalf("Work: %v", err)
	}

	w = NewCreditAlertWorker(stubAlerter{err: errors.New("db down")}, discard())
	if err := w.Work(context.Background(), &river.Job[CreditAlertArgs]{JobRow: &rivertype.JobRow{}}); err == nil {
		t.Fatal("scan errors must surface for retry")
	}
}
