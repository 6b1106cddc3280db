package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meterline/backend/internal/auth"
	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/handlers"
	"github.com/meterline/backend/internal/ledger"
	"github.com/meterline/backend/internal/middleware"
	"github.com/meterline/backend/internal/repository"
	"github.com/meterline/backend/internal/webhook"
)

// RouteDeps bundles everything RegisterRoutes wires together.
type RouteDeps struct {
	Config         config.Config
	Redis          redis.UniversalClient
	APIKeyRepo     *repository.APIKeyRepo
	EntryRepo      *repository.EntryRepo
	Prices         billing.PriceTable
	Billing        *billing.Service
	Ledger         *ledger.Service
	AuthSvc        auth.Service
	AuthHandler    *auth.Handler
	WebhookHandler *webhook.Handler
	Logger         *slog.Logger
}

// RegisterRoutes adds all endpoints to the given mux.
// Client chain: APIKeyAuth -> RateLimit -> (SpendCap on usage) -> handler.
// Admin chain: RequireAdmin -> handler.
func RegisterRoutes(mux *http.ServeMux, d RouteDeps) {
	ch := &handlers.CreditsHandler{
		Billing: d.Billing,
		Ledger:  d.Ledger,
		History: d.EntryRepo,
		Logger:  d.Logger,
	}
	ah := &handlers.AdminHandler{
		Billing: d.Billing,
		Ledger:  d.Ledger,
		Logger:  d.Logger,
	}

	keyAuth := middleware.APIKeyAuth(d.APIKeyRepo)
	spendCap := middleware.SpendCap(d.Prices, d.EntryRepo)
	usageLimit := middleware.NewRateLimiter(d.Redis, d.Config.RateLimitPrefix, d.Config.UsageRateLimitPerMinute, time.Minute)
	webhookLimit := middleware.NewSourceRateLimiter(d.Redis, d.Config.RateLimitPrefix, d.Config.WebhookRateLimitPerMinute, time.Minute)
	adminAuth := auth.RequireAdmin(d.AuthSvc)

	// Client API (API key)
	mux.Handle("POST /v1/credits/check", keyAuth(usageLimit.Limit(http.HandlerFunc(ch.Check))))
	mux.Handle("POST /v1/credits/usage", keyAuth(usageLimit.Limit(spendCap(http.HandlerFunc(ch.RecordUsage)))))
	mux.Handle("GET /v1/credits/balance", keyAuth(http.HandlerFunc(ch.Balance)))
	mux.Handle("GET /v1/credits/history", keyAuth(http.HandlerFunc(ch.ListHistory)))

	// Billing provider webhook (idempotency-guarded, no API key auth)
	mux.Handle("POST /webhooks/billing", webhookLimit.Limit(http.HandlerFunc(d.WebhookHandler.Receive)))

	// Admin API (JWT)
	mux.HandleFunc("POST /v1/admin/login", d.AuthHandler.Login)
	mux.Handle("POST /v1/admin/grants", adminAuth(http.HandlerFunc(ah.CreateGrant)))
	mux.Handle("POST /v1/admin/adjustments", adminAuth(http.HandlerFunc(ah.CreateAdjustment)))
	mux.Handle("GET /v1/admin/reconciliation/{account_id}", adminAuth(http.HandlerFunc(ah.GetReconciliation)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
