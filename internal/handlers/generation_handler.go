package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/renderloop/backend/internal/catalog"
	"github.com/renderloop/backend/internal/ledger"
	"github.com/renderloop/backend/internal/metrics"
	"github.com/renderloop/backend/internal/middleware"
	"github.com/renderloop/backend/internal/models"
	"github.com/renderloop/backend/internal/provider"
	"github.com/renderloop/backend/internal/reconcile"
)

// GenerationEngine is the lifecycle surface the handler needs.
type GenerationEngine interface {
	CreateJob(ctx context.Context, userID uuid.UUID, modelID string, cost int64, input json.RawMessage) (*models.GenerationJob, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error)
	ListJobs(ctx context.Context, userID uuid.UUID) ([]*models.GenerationJob, error)
}

// Reconciler runs an on-demand reconciliation pass scoped to one user.
type Reconciler interface {
	Run(ctx context.Context, userID *uuid.UUID) (reconcile.Report, error)
}

type GenerationHandler struct {
	Catalog    *catalog.Catalog
	Engine     GenerationEngine
	Reconciler Reconciler
	Logger     *slog.Logger
}

type createGenerationRequest struct {
	ModelID string          `json:"model_id"`
	Input   json.RawMessage `json:"input"`
}

// CreateGeneration handles POST /api/v1/generations.
// Validate input -> charge + create + submit -> 201.
func (h *GenerationHandler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, `{"error":"model_id is required"}`, http.StatusBadRequest)
		return
	}

	model, ok := h.Catalog.Get(req.ModelID)
	if !ok {
		http.Error(w, `{"error":"unknown model"}`, http.StatusNotFound)
		return
	}
	if err := h.Catalog.ValidateInput(req.ModelID, req.Input); err != nil {
		if errors.Is(err, catalog.ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		h.Logger.Error("validate input", "error", err)
		http.Error(w, `{"error":"input validation failed"}`, http.StatusBadRequest)
		return
	}

	job, err := h.Engine.CreateJob(r.Context(), id.UserID, model.ID, model.Cost, req.Input)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error": "insufficient credits",
				"cost":  model.Cost,
			})
			return
		}
		var subErr *provider.SubmissionError
		if errors.As(err, &subErr) {
			// Charged, refunded, job left pending with the error recorded.
			h.Logger.Warn("provider rejected submission", "job_id", job.ID, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":  "provider rejected the request; credits were refunded",
				"job_id": job.ID.String(),
			})
			return
		}
		h.Logger.Error("create generation", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	metrics.GenerationsSubmitted.WithLabelValues(model.ID).Inc()
	writeJSON(w, http.StatusCreated, job)
}

// GetGeneration handles GET /api/v1/generations/{id}.
func (h *GenerationHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.Engine.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if job.UserID != id.UserID && id.Role != models.RoleAdmin {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListGenerations handles GET /api/v1/generations.
func (h *GenerationHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Engine.ListJobs(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Error("list generations", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.GenerationJob{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ReconcileGenerations handles POST /api/v1/generations/reconcile: an
// on-demand reconciliation pass over the caller's stale jobs.
func (h *GenerationHandler) ReconcileGenerations(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	report, err := h.Reconciler.Run(r.Context(), &id.UserID)
	if err != nil {
		h.Logger.Error("on-demand reconcile", "user_id", id.UserID, "error", err)
		http.Error(w, `{"error":"reconciliation failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListModels handles GET /api/v1/models (public).
func (h *GenerationHandler) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
