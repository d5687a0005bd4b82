package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderloop/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store mock. Lets us test the service's refund and invariant
// logic without a database.
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	txns     []*models.CreditTransaction
}

func newMemStore() *memStore {
	return &memStore{balances: make(map[uuid.UUID]int64)}
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *memStore) EnsureBalance(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		m.balances[userID] = 0
	}
	return nil
}

func (m *memStore) GetOrCreateBalance(_ context.Context, userID uuid.UUID) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		m.balances[userID] = 0
	}
	return models.Balance{UserID: userID, Amount: m.balances[userID]}, nil
}

func (m *memStore) DeductBalance(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return errInsufficientFunds
	}
	m.balances[userID] -= amount
	return nil
}

func (m *memStore) AddBalance(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	return nil
}

func (m *memStore) InsertTransaction(_ context.Context, _ pgx.Tx, t *models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.txns = append(m.txns, &cp)
	return nil
}

func (m *memStore) ChargeForEntityForUpdate(_ context.Context, _ pgx.Tx, entity models.RelatedEntity) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.txns) - 1; i >= 0; i-- {
		t := m.txns[i]
		if t.Amount < 0 && matchesEntity(t, entity) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) RefundForEntity(_ context.Context, _ pgx.Tx, entity models.RelatedEntity) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.txns) - 1; i >= 0; i-- {
		t := m.txns[i]
		if t.Type == models.TxTypeRefund && matchesEntity(t, entity) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, _ int) ([]*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditTransaction
	for _, t := range m.txns {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func matchesEntity(t *models.CreditTransaction, entity models.RelatedEntity) bool {
	return t.RelatedEntityType != nil && *t.RelatedEntityType == entity.Type &&
		t.RelatedEntityID != nil && *t.RelatedEntityID == entity.ID
}

func (m *memStore) txSum(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.txns {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum
}

func (m *memStore) chargesFor(entity models.RelatedEntity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txns {
		if t.Amount < 0 && matchesEntity(t, entity) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func grantCredits(t *testing.T, svc Service, userID uuid.UUID, amount int64) {
	t.Helper()
	require.NoError(t, svc.Credit(context.Background(), userID, amount, models.TxTypeGrant, "seed", nil, nil))
}

func TestGetBalance_LazilyCreatesZeroBalance(t *testing.T) {
	svc := NewService(newMemStore())

	balance, err := svc.GetBalance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestDebit_ChargesAndRecordsTransaction(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()
	userID := uuid.New()
	jobID := uuid.New()
	grantCredits(t, svc, userID, 10)

	entity := models.JobEntity(jobID)
	tx, _ := store.Begin(ctx)
	err := svc.Debit(ctx, tx, userID, 5, models.TxTypeGenerationCharge, "generation", &entity)
	require.NoError(t, err)

	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(5), balance)
	assert.Equal(t, 1, store.chargesFor(entity))
	assert.Equal(t, balance, store.txSum(userID), "balance must equal sum of transactions")
}

func TestDebit_InsufficientFunds(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()
	userID := uuid.New()
	grantCredits(t, svc, userID, 50)

	tx, _ := store.Begin(ctx)
	err := svc.Debit(ctx, tx, userID, 100, models.TxTypeGenerationCharge, "generation", nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(50), balance, "balance unchanged after rejected debit")

	list, _ := svc.ListTransactions(ctx, userID, 10)
	require.Len(t, list, 1, "only the seed grant is recorded")
	assert.Equal(t, models.TxTypeGrant, list[0].Type)
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)

	tx, _ := store.Begin(context.Background())
	assert.ErrorIs(t, svc.Debit(context.Background(), tx, uuid.New(), 0, models.TxTypeGenerationCharge, "", nil), ErrInvalidAmount)
	assert.ErrorIs(t, svc.Debit(context.Background(), tx, uuid.New(), -5, models.TxTypeGenerationCharge, "", nil), ErrInvalidAmount)
}

func TestRefundByEntity_RestoresChargedAmount(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()
	userID := uuid.New()
	jobID := uuid.New()
	grantCredits(t, svc, userID, 10)

	entity := models.JobEntity(jobID)
	tx, _ := store.Begin(ctx)
	require.NoError(t, svc.Debit(ctx, tx, userID, 5, models.TxTypeGenerationCharge, "generation", &entity))

	refunded, err := svc.RefundByEntity(ctx, entity, "provider reported failure")
	require.NoError(t, err)
	assert.Equal(t, int64(5), refunded)

	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, balance, store.txSum(userID))

	list, _ := svc.ListTransactions(ctx, userID, 10)
	var refunds []*models.CreditTransaction
	for _, txn := range list {
		if txn.Type == models.TxTypeRefund {
			refunds = append(refunds, txn)
		}
	}
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(5), refunds[0].Amount)
	require.NotNil(t, refunds[0].RelatedEntityID)
	assert.Equal(t, jobID, *refunds[0].RelatedEntityID)
}

func TestRefundByEntity_NoChargeReturnsZero(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)

	refunded, err := svc.RefundByEntity(context.Background(), models.JobEntity(uuid.New()), "nothing charged")
	require.NoError(t, err)
	assert.Equal(t, int64(0), refunded)
	assert.Empty(t, store.txns)
}

func TestRefundByEntity_SecondRefundIsNoop(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()
	userID := uuid.New()
	entity := models.JobEntity(uuid.New())
	grantCredits(t, svc, userID, 10)

	tx, _ := store.Begin(ctx)
	require.NoError(t, svc.Debit(ctx, tx, userID, 5, models.TxTypeGenerationCharge, "generation", &entity))

	first, err := svc.RefundByEntity(ctx, entity, "failed")
	require.NoError(t, err)
	assert.Equal(t, int64(5), first)

	second, err := svc.RefundByEntity(ctx, entity, "failed again")
	require.NoError(t, err)
	assert.Equal(t, int64(0), second, "second refund must not double-pay")

	balance, _ := svc.GetBalance(ctx, userID)
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, balance, store.txSum(userID))
}

func TestCredit_RecordsPerformedBy(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()
	userID := uuid.New()
	adminID := uuid.New()

	require.NoError(t, svc.Credit(ctx, userID, 25, models.TxTypeGrant, "welcome grant", &adminID, nil))

	list, _ := svc.ListTransactions(ctx, userID, 10)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].PerformedBy)
	assert.Equal(t, adminID, *list[0].PerformedBy)
	assert.Equal(t, int64(25), list[0].Amount)
}
