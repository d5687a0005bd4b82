package router

import (
	"net/http"

	"github.com/renderloop/backend/internal/auth"
	"github.com/renderloop/backend/internal/handlers"
	"github.com/renderloop/backend/internal/metrics"
	"github.com/renderloop/backend/internal/middleware"
)

// New builds the API surface under /api/v1.
// The provider webhook route is unauthenticated on purpose: correlation-ID
// matching inside the handler is its only authorization.
func New(
	authHandler *auth.Handler,
	gen *handlers.GenerationHandler,
	credits *handlers.CreditsHandler,
	providerWebhook http.Handler,
	tokens middleware.TokenValidator,
) http.Handler {
	mux := http.NewServeMux()
	requireAuth := middleware.RequireAuth(tokens)

	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)

	mux.HandleFunc("GET /api/v1/models", gen.ListModels)

	mux.Handle("POST /api/v1/generations", requireAuth(http.HandlerFunc(gen.CreateGeneration)))
	mux.Handle("GET /api/v1/generations", requireAuth(http.HandlerFunc(gen.ListGenerations)))
	mux.Handle("GET /api/v1/generations/{id}", requireAuth(http.HandlerFunc(gen.GetGeneration)))
	mux.Handle("POST /api/v1/generations/reconcile", requireAuth(http.HandlerFunc(gen.ReconcileGenerations)))

	mux.Handle("GET /api/v1/credits/balance", requireAuth(http.HandlerFunc(credits.GetBalance)))
	mux.Handle("GET /api/v1/credits/transactions", requireAuth(http.HandlerFunc(credits.ListTransactions)))
	mux.Handle("POST /api/v1/admin/credits/grant", requireAuth(middleware.RequireAdmin(http.HandlerFunc(credits.GrantCredits))))

	mux.Handle("POST /api/v1/webhooks/provider", providerWebhook)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
