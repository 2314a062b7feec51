package jobs

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lilseedabe/genbroker/internal/models"
)

const jobColumns = `id, user_id, type, model, prompt, params, status, reservation_id,
	credits_reserved, credits_used, result_url, share_post_url, error_message,
	queue_job_id, started_at, completed_at, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create inserts the job inside the caller's transaction so the record
// commits together with its credit reservation and queue insert.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO generation_jobs (id, user_id, type, model, prompt, params, status, reservation_id, credits_reserved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.UserID, j.Type, j.Model, j.Prompt, j.Params, j.Status, j.ReservationID, j.CreditsReserved)
	return err
}

func (r *Repository) SetQueueJobID(ctx context.Context, tx pgx.Tx, jobID string, queueJobID int64) error {
	_, err := tx.Exec(ctx, `UPDATE generation_jobs SET queue_job_id = $1 WHERE id = $2`, queueJobID, jobID)
	return err
}

func (r *Repository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// transition applies a guarded status change. The WHERE clause on the prior
// status is what keeps the state machine one-directional under concurrency.
func (r *Repository) transition(ctx context.Context, jobID, to, set string, args []any, from ...string) error {
	query := `UPDATE generation_jobs SET status = $1` + set + ` WHERE id = $2 AND status = ANY($3)`
	tag, err := r.pool.Exec(ctx, query, append([]any{to, jobID, from}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Distinguish a missing job from an illegal transition.
	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM generation_jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return models.ErrInvalidTransition
}

// MarkProcessing accepts jobs already in processing: a redelivered queue job
// after a transient provider error must be able to run again. COALESCE keeps
// the first start time.
func (r *Repository) MarkProcessing(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, models.JobStatusProcessing,
		`, started_at = COALESCE(started_at, now())`, nil,
		models.JobStatusPending, models.JobStatusProcessing)
}

func (r *Repository) MarkCompleted(ctx context.Context, jobID string, creditsUsed int64, resultURL string) error {
	return r.transition(ctx, jobID, models.JobStatusCompleted,
		`, credits_used = $4, result_url = $5, completed_at = now()`, []any{creditsUsed, resultURL},
		models.JobStatusProcessing)
}

// MarkFailed accepts pending jobs too: a job can fail before any worker
// picks it up (reservation sweep, queue exhaustion).
func (r *Repository) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	return r.transition(ctx, jobID, models.JobStatusFailed,
		`, error_message = $4, completed_at = now()`, []any{errorMessage},
		models.JobStatusPending, models.JobStatusProcessing)
}

func (r *Repository) MarkCancelled(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, models.JobStatusCancelled,
		`, completed_at = now()`, nil,
		models.JobStatusPending, models.JobStatusProcessing)
}

func (r *Repository) SetSharePostURL(ctx context.Context, jobID, url string) error {
	_, err := r.pool.Exec(ctx, `UPDATE generation_jobs SET share_post_url = $1 WHERE id = $2`, url, jobID)
	return err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, status string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		args = append(args, status)
		query += ` AND status = $2`
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListStale returns non-terminal jobs created before the cutoff, oldest
// first. These are jobs the queue lost track of; their reservations are
// reclaimed separately by the TTL sweep.
func (r *Repository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
	`, models.JobStatusPending, models.JobStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *Repository) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generation_jobs
		WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, models.JobStatusPending, models.JobStatusProcessing).Scan(&count)
	return count, err
}

// DeleteTerminalOlderThan removes finished job records past the retention
// window. Active jobs are never deleted.
func (r *Repository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM generation_jobs
		WHERE status IN ($1, $2, $3) AND created_at < $4
	`, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.Model, &j.Prompt, &j.Params, &j.Status,
		&j.ReservationID, &j.CreditsReserved, &j.CreditsUsed, &j.ResultURL, &j.SharePostURL,
		&j.ErrorMessage, &j.QueueJobID, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
