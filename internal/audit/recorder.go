package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder appends usage events. Record is fire-and-forget: a failed insert
// is logged and dropped, never surfaced to the lifecycle transition that
// produced the event.
type Recorder struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewRecorder(pool *pgxpool.Pool, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{pool: pool, log: log}
}

func (r *Recorder) Record(eventType string, userID *uuid.UUID, metadata any, sourceIP string) {
	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			r.log.Warn("encode usage event metadata", "event_type", eventType, "error", err)
			meta = nil
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var ip *string
		if sourceIP != "" {
			ip = &sourceIP
		}
		_, err := r.pool.Exec(ctx, `
			INSERT INTO usage_events (id, event_type, user_id, metadata, source_ip)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), eventType, userID, meta, ip)
		if err != nil {
			r.log.Warn("record usage event", "event_type", eventType, "error", err)
		}
	}()
}
