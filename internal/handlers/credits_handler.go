package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/renderloop/backend/internal/ledger"
	"github.com/renderloop/backend/internal/middleware"
	"github.com/renderloop/backend/internal/models"
)

// EventRecorder is the fire-and-forget observability sink.
type EventRecorder interface {
	Record(eventType string, userID *uuid.UUID, metadata any, sourceIP string)
}

type CreditsHandler struct {
	Ledger ledger.Service
	Events EventRecorder
	Logger *slog.Logger
}

// GetBalance handles GET /api/v1/credits/balance.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.Ledger.GetBalance(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Error("get balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// ListTransactions handles GET /api/v1/credits/transactions.
func (h *CreditsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Ledger.ListTransactions(r.Context(), id.UserID, 100)
	if err != nil {
		h.Logger.Error("list transactions", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

type grantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// GrantCredits handles POST /api/v1/admin/credits/grant. Admin only; the
// grant is recorded with performed_by set to the admin.
func (h *CreditsHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	targetID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}

	err = h.Ledger.Credit(r.Context(), targetID, req.Amount, models.TxTypeGrant, req.Description, &id.UserID, nil)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Error("grant credits", "error", err)
		http.Error(w, `{"error":"grant failed"}`, http.StatusInternalServerError)
		return
	}

	h.Events.Record(models.EventCreditsGranted, &targetID, map[string]any{
		"amount":       req.Amount,
		"performed_by": id.UserID,
	}, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}
