package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation job lifecycle states. Completed and failed are terminal: once a
// job reaches one of them its status must never change again.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// IsTerminalStatus reports whether a job status is completed or failed.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

type GenerationJob struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	ModelID       string          `json:"model_id"`
	CorrelationID *string         `json:"correlation_id,omitempty"` // provider request_id, nil until submission confirms
	Status        string          `json:"status"`
	InputParams   json.RawMessage `json:"input_params"`
	OutputRef     *string         `json:"output_ref,omitempty"`
	OutputSeed    *string         `json:"output_seed,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	ChargedAmount int64           `json:"charged_amount"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}
