package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Usage event types recorded by the observability sink.
const (
	EventGenerationSubmitted = "generation_submitted"
	EventGenerationCompleted = "generation_completed"
	EventGenerationFailed    = "generation_failed"
	EventCreditsGranted      = "credits_granted"
	EventWebhookDropped      = "webhook_dropped"
)

// UsageEvent is a fire-and-forget observability record. Writing one must
// never block or fail a lifecycle transition.
type UsageEvent struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"event_type"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	SourceIP  *string         `json:"source_ip,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
