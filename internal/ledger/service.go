package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderloop/backend/internal/metrics"
	"github.com/renderloop/backend/internal/models"
)

// ErrInsufficientFunds is returned when the user's balance is too low for a debit.
var ErrInsufficientFunds = errInsufficientFunds

// ErrInvalidAmount is returned for zero or negative debit/credit amounts.
var ErrInvalidAmount = errors.New("amount must be greater than zero")

// Store is the persistence interface the ledger service runs on.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	EnsureBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	GetOrCreateBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
	DeductBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
	AddBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	ChargeForEntityForUpdate(ctx context.Context, tx pgx.Tx, entity models.RelatedEntity) (*models.CreditTransaction, error)
	RefundForEntity(ctx context.Context, tx pgx.Tx, entity models.RelatedEntity) (*models.CreditTransaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

type Service interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	// Debit runs inside the caller's transaction so the balance change and
	// the caller's own writes commit or roll back as one unit.
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, txType, description string, entity *models.RelatedEntity) error
	Credit(ctx context.Context, userID uuid.UUID, amount int64, txType, description string, performedBy *uuid.UUID, entity *models.RelatedEntity) error
	// RefundByEntity credits back the most recent charge recorded for the
	// entity. Returns 0 when the entity was never charged or was already
	// refunded; neither case is an error.
	RefundByEntity(ctx context.Context, entity models.RelatedEntity, reason string) (int64, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

type service struct {
	store Store
}

func NewService(store Store) *service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	b, err := s.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Amount, nil
}

func (s *service) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, txType, description string, entity *models.RelatedEntity) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.EnsureBalance(ctx, tx, userID); err != nil {
		return err
	}
	if err := s.store.DeductBalance(ctx, tx, userID, amount); err != nil {
		return err
	}
	return s.store.InsertTransaction(ctx, tx, newTransaction(userID, -amount, txType, description, nil, entity))
}

func (s *service) Credit(ctx context.Context, userID uuid.UUID, amount int64, txType, description string, performedBy *uuid.UUID, entity *models.RelatedEntity) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.store.AddBalance(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := s.store.InsertTransaction(ctx, tx, newTransaction(userID, amount, txType, description, performedBy, entity)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *service) RefundByEntity(ctx context.Context, entity models.RelatedEntity, reason string) (int64, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	charge, err := s.store.ChargeForEntityForUpdate(ctx, tx, entity)
	if err != nil {
		return 0, fmt.Errorf("look up charge for %s %s: %w", entity.Type, entity.ID, err)
	}
	if charge == nil {
		// Never charged, e.g. the job failed before the debit committed.
		return 0, nil
	}
	existing, err := s.store.RefundForEntity(ctx, tx, entity)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		// Already refunded, a second refund would double-pay.
		return 0, nil
	}

	amount := -charge.Amount
	if err := s.store.AddBalance(ctx, tx, charge.UserID, amount); err != nil {
		return 0, err
	}
	if err := s.store.InsertTransaction(ctx, tx, newTransaction(charge.UserID, amount, models.TxTypeRefund, reason, nil, &entity)); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	metrics.RefundsIssued.Inc()
	return amount, nil
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

func newTransaction(userID uuid.UUID, amount int64, txType, description string, performedBy *uuid.UUID, entity *models.RelatedEntity) *models.CreditTransaction {
	t := &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		PerformedBy: performedBy,
	}
	if description != "" {
		t.Description = &description
	}
	if entity != nil {
		t.RelatedEntityType = &entity.Type
		t.RelatedEntityID = &entity.ID
	}
	return t
}
