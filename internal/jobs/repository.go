package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderloop/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts the job inside the caller's transaction so the record and
// its charge commit as one unit.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, user_id, model_id, status, input_params, charged_amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, j.ID, j.UserID, j.ModelID, j.Status, j.InputParams, j.ChargedAmount).Scan(&j.CreatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
}

// GetByCorrelationID returns nil when no job matches the provider request_id.
func (r *Repository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.GenerationJob, error) {
	j, err := r.scanOne(r.pool.QueryRow(ctx, selectJob+` WHERE correlation_id = $1`, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, selectJob+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *Repository) SetCorrelationID(ctx context.Context, id uuid.UUID, correlationID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET correlation_id = $1 WHERE id = $2
	`, correlationID, id)
	return err
}

func (r *Repository) SetLastError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET last_error = $1 WHERE id = $2
	`, msg, id)
	return err
}

// MarkProcessing moves pending to processing. Returns false when the job was
// not pending (already processing or terminal).
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $1 WHERE id = $2 AND status = $3
	`, models.JobStatusProcessing, id, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkCompleted transitions to completed unless the job is already terminal.
// The status guard in the WHERE clause is what makes racing resolvers safe:
// only one writer can win the transition.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, outputRef string, outputSeed *string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $1, output_ref = $2, output_seed = $3, completed_at = now()
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, models.JobStatusCompleted, outputRef, outputSeed, id, models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkFailed transitions to failed unless the job is already terminal.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $1, last_error = $2, completed_at = now()
		WHERE id = $3 AND status NOT IN ($4, $5)
	`, models.JobStatusFailed, errMsg, id, models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FindStale returns non-terminal jobs created before now-olderThan, oldest
// first. userID narrows the scan for on-demand per-user reconciliation.
func (r *Repository) FindStale(ctx context.Context, olderThan time.Duration, userID *uuid.UUID) ([]*models.GenerationJob, error) {
	cutoff := time.Now().Add(-olderThan)
	query := selectJob + ` WHERE status IN ($1, $2) AND created_at < $3`
	args := []any{models.JobStatusPending, models.JobStatusProcessing, cutoff}
	if userID != nil {
		query += ` AND user_id = $4`
		args = append(args, *userID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

const selectJob = `
	SELECT id, user_id, model_id, correlation_id, status, input_params,
		output_ref, output_seed, last_error, charged_amount, created_at, completed_at
	FROM generation_jobs`

func (r *Repository) scanOne(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.UserID, &j.ModelID, &j.CorrelationID, &j.Status, &j.InputParams,
		&j.OutputRef, &j.OutputSeed, &j.LastError, &j.ChargedAmount, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) scanAll(rows pgx.Rows) ([]*models.GenerationJob, error) {
	var list []*models.GenerationJob
	for rows.Next() {
		var j models.GenerationJob
		if err := rows.Scan(&j.ID, &j.UserID, &j.ModelID, &j.CorrelationID, &j.Status, &j.InputParams,
			&j.OutputRef, &j.OutputSeed, &j.LastError, &j.ChargedAmount, &j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		list = append(list, &j)
	}
	return list, rows.Err()
}
