package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction types.
const (
	TxTypeGenerationCharge = "generation_charge"
	TxTypeRefund           = "refund"
	TxTypeGrant            = "grant"
)

// Related entity types linking a transaction to the record that caused it.
const (
	EntityTypeGenerationJob = "generation_job"
)

// RelatedEntity is the (type, id) pair tying a credit transaction to the
// entity it was charged or refunded for. Refunds look up the original charge
// through it.
type RelatedEntity struct {
	Type string
	ID   uuid.UUID
}

func JobEntity(jobID uuid.UUID) RelatedEntity {
	return RelatedEntity{Type: EntityTypeGenerationJob, ID: jobID}
}

// CreditTransaction is an immutable ledger entry. Amount is signed: negative
// for debits, positive for credits.
type CreditTransaction struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	Amount            int64      `json:"amount"`
	Type              string     `json:"type"`
	Description       *string    `json:"description,omitempty"`
	RelatedEntityType *string    `json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID `json:"related_entity_id,omitempty"`
	PerformedBy       *uuid.UUID `json:"performed_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Balance is one row per user, created lazily with balance 0 on first
// reference. Invariant: Amount equals the sum of all transaction amounts for
// the user.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}
