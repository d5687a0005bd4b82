package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/renderloop/backend/internal/jobs"
	"github.com/renderloop/backend/internal/metrics"
	"github.com/renderloop/backend/internal/models"
	"github.com/renderloop/backend/internal/provider"
)

// Engine is the lifecycle surface the handler drives. The handler never
// mutates job rows itself.
type Engine interface {
	GetJobByCorrelationID(ctx context.Context, correlationID string) (*models.GenerationJob, error)
	ResolveSuccess(ctx context.Context, jobID uuid.UUID, artifact jobs.ResultArtifact) (jobs.Resolution, error)
	ResolveFailure(ctx context.Context, jobID uuid.UUID, errMsg string) (jobs.Resolution, error)
}

// EventRecorder is the fire-and-forget observability sink.
type EventRecorder interface {
	Record(eventType string, userID *uuid.UUID, metadata any, sourceIP string)
}

type Handler struct {
	engine Engine
	events EventRecorder
	log    *slog.Logger
}

func NewHandler(engine Engine, events EventRecorder, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, events: events, log: log}
}

// callbackPayload is the provider's completion notification. Unknown extra
// fields are tolerated; only the fields below matter.
type callbackPayload struct {
	RequestID    string          `json:"request_id"`
	Status       string          `json:"status"` // "OK" | "ERROR"
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error"`
	PayloadError string          `json:"payload_error"`
}

// ServeHTTP handles POST /api/v1/webhooks/provider.
//
// The payload is trusted only to resolve the single job its correlation ID
// names; it carries no authorization beyond that. Unknown correlation IDs are
// logged and answered 200 so the provider stops retrying a callback we will
// never be able to use.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cb callbackPayload
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if cb.RequestID == "" {
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		http.Error(w, `{"error":"request_id is required"}`, http.StatusBadRequest)
		return
	}

	job, err := h.engine.GetJobByCorrelationID(r.Context(), cb.RequestID)
	if err != nil {
		h.log.Error("webhook: look up job", "request_id", cb.RequestID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if job == nil {
		h.log.Warn("webhook for unknown correlation id, dropping", "request_id", cb.RequestID)
		h.events.Record(models.EventWebhookDropped, nil, map[string]any{"request_id": cb.RequestID}, sourceIP(r))
		metrics.WebhookEvents.WithLabelValues("unknown").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	switch cb.Status {
	case "OK":
		h.handleSuccess(w, r, job, cb)
	case "ERROR":
		h.handleFailure(w, r, job, cb)
	default:
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		http.Error(w, `{"error":"unknown status"}`, http.StatusBadRequest)
	}
}

func (h *Handler) handleSuccess(w http.ResponseWriter, r *http.Request, job *models.GenerationJob, cb callbackPayload) {
	artifact, err := provider.ParseResult(cb.Payload)
	if err != nil {
		// Malformed success payloads are rejected here, never passed inward.
		h.log.Warn("webhook: unusable success payload", "job_id", job.ID, "error", err)
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		http.Error(w, `{"error":"unusable payload"}`, http.StatusBadRequest)
		return
	}

	res, err := h.engine.ResolveSuccess(r.Context(), job.ID, jobs.ResultArtifact{URL: artifact.URL, Seed: artifact.Seed})
	if err != nil {
		if errors.Is(err, jobs.ErrArtifactPersist) {
			// Non-2xx so the provider retries; the job is still unresolved.
			h.log.Error("webhook: artifact persist failed", "job_id", job.ID, "error", err)
			metrics.WebhookEvents.WithLabelValues("persist_error").Inc()
			http.Error(w, `{"error":"artifact persist failed"}`, http.StatusInternalServerError)
			return
		}
		h.log.Error("webhook: resolve success", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if res == jobs.ResolutionAlreadyTerminal {
		metrics.WebhookEvents.WithLabelValues("already_terminal").Inc()
	} else {
		metrics.WebhookEvents.WithLabelValues("completed").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": res.String()})
}

func (h *Handler) handleFailure(w http.ResponseWriter, r *http.Request, job *models.GenerationJob, cb callbackPayload) {
	msg := cb.Error
	if msg == "" {
		msg = cb.PayloadError
	}
	if msg == "" {
		msg = "provider reported failure without detail"
	}

	res, err := h.engine.ResolveFailure(r.Context(), job.ID, msg)
	if err != nil {
		h.log.Error("webhook: resolve failure", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if res == jobs.ResolutionAlreadyTerminal {
		metrics.WebhookEvents.WithLabelValues("already_terminal").Inc()
	} else {
		metrics.WebhookEvents.WithLabelValues("failed").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": res.String()})
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
