package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderloop/backend/internal/models"
)

var errInsufficientFunds = errors.New("insufficient funds")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// EnsureBalance creates the user's zero-balance row if it does not exist yet.
func (r *Repository) EnsureBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, amount) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// GetOrCreateBalance returns the user's balance row, lazily creating it at 0.
func (r *Repository) GetOrCreateBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, amount, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Amount, &b.UpdatedAt)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Balance{}, err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO balances (user_id, amount) VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET amount = balances.amount
		RETURNING user_id, amount, updated_at
	`, userID).Scan(&b.UserID, &b.Amount, &b.UpdatedAt)
	return b, err
}

// DeductBalance atomically deducts amount if the balance covers it. The
// conditional UPDATE is the insufficient-funds guard: no row updated means
// the balance was too low at the moment of the write.
func (r *Repository) DeductBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	result, err := tx.Exec(ctx, `
		UPDATE balances SET amount = amount - $1, updated_at = now()
		WHERE user_id = $2 AND amount >= $1
	`, amount, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errInsufficientFunds
	}
	return nil
}

// AddBalance increments the balance, creating the row if needed.
func (r *Repository) AddBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	if err := r.EnsureBalance(ctx, tx, userID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE balances SET amount = amount + $1, updated_at = now() WHERE user_id = $2
	`, amount, userID)
	return err
}

// InsertTransaction appends a ledger entry inside the given transaction.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, related_entity_type, related_entity_id, performed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.UserID, t.Amount, t.Type, t.Description, t.RelatedEntityType, t.RelatedEntityID, t.PerformedBy).Scan(&t.CreatedAt)
}

// ChargeForEntityForUpdate returns the most recent negative transaction for
// the entity, locking it so concurrent refunds serialize. Returns nil when
// the entity was never charged.
func (r *Repository) ChargeForEntityForUpdate(ctx context.Context, tx pgx.Tx, entity models.RelatedEntity) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, type, description, related_entity_type, related_entity_id, performed_by, created_at
		FROM credit_transactions
		WHERE related_entity_type = $1 AND related_entity_id = $2 AND amount < 0
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, entity.Type, entity.ID).Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.RelatedEntityType, &t.RelatedEntityID, &t.PerformedBy, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RefundForEntity returns an existing refund transaction for the entity, or
// nil when none was recorded yet.
func (r *Repository) RefundForEntity(ctx context.Context, tx pgx.Tx, entity models.RelatedEntity) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, type, description, related_entity_type, related_entity_id, performed_by, created_at
		FROM credit_transactions
		WHERE related_entity_type = $1 AND related_entity_id = $2 AND type = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, entity.Type, entity.ID, models.TxTypeRefund).Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.RelatedEntityType, &t.RelatedEntityID, &t.PerformedBy, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, type, description, related_entity_type, related_entity_id, performed_by, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.RelatedEntityType, &t.RelatedEntityID, &t.PerformedBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
