package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/ledger"
	"github.com/meterline/backend/internal/middleware"
	"github.com/meterline/backend/internal/models"
)

// BillingForHandler is the subset of the billing service the handler uses.
type BillingForHandler interface {
	CheckAndReserve(ctx context.Context, accountID uuid.UUID, estimatedCost decimal.Decimal) (bool, string, error)
	DeductUsage(ctx context.Context, accountID uuid.UUID, u billing.UsageDescriptor) (billing.UsageResult, error)
}

// LedgerForHandler reads balances.
type LedgerForHandler interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (ledger.Balances, error)
}

// HistoryRepo lists ledger entries.
type HistoryRepo interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// CreditsHandler serves /v1/credits endpoints for API-key clients.
type CreditsHandler struct {
	Billing BillingForHandler
	Ledger  LedgerForHandler
	History HistoryRepo
	Logger  *slog.Logger
}

// --- POST /v1/credits/check ---

type checkRequest struct {
	EstimatedCost string `json:"estimated_cost"`
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Balance string `json:"balance"`
	Message string `json:"message,omitempty"`
}

// Check handles POST /v1/credits/check. It is advisory: the authoritative
// check happens again under the account lock at deduction time.
func (h *CreditsHandler) Check(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	cost, err := decimal.NewFromString(req.EstimatedCost)
	if err != nil {
		http.Error(w, `{"error":"invalid estimated_cost"}`, http.StatusBadRequest)
		return
	}

	allowed, msg, err := h.Billing.CheckAndReserve(r.Context(), acc.AccountID, cost)
	if err != nil {
		h.Logger.Error("credit check failed", "account_id", acc.AccountID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	bal, err := h.Ledger.GetBalance(r.Context(), acc.AccountID)
	if err != nil {
		h.Logger.Error("balance read failed", "account_id", acc.AccountID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{Allowed: allowed, Balance: bal.Total.String(), Message: msg})
}

// --- POST /v1/credits/usage ---

// RecordUsage handles POST /v1/credits/usage. The usage descriptor was
// already parsed and cap-checked by the SpendCap middleware.
func (h *CreditsHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	u := middleware.UsageFromCtx(r.Context())
	if u == nil {
		var body billing.UsageDescriptor
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		u = &body
	}

	res, err := h.Billing.DeductUsage(r.Context(), acc.AccountID, *u)
	if err != nil {
		h.Logger.Error("usage deduction failed", "account_id", acc.AccountID, "kind", u.Kind, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusPaymentRequired, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GET /v1/credits/balance ---

type balanceResponse struct {
	AccountID   string `json:"account_id"`
	Total       string `json:"total"`
	Expiring    string `json:"expiring"`
	NonExpiring string `json:"non_expiring"`
	Tier        string `json:"tier"`
}

func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	bal, err := h.Ledger.GetBalance(r.Context(), acc.AccountID)
	if err != nil {
		h.Logger.Error("balance read failed", "account_id", acc.AccountID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID:   acc.AccountID.String(),
		Total:       bal.Total.String(),
		Expiring:    bal.Expiring.String(),
		NonExpiring: bal.NonExpiring.String(),
		Tier:        acc.Tier,
	})
}

// --- GET /v1/credits/history ---

const defaultHistoryLimit = 50

func (h *CreditsHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, `{"error":"limit must be between 1 and 500"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.History.ListByAccountID(r.Context(), acc.AccountID, limit)
	if err != nil {
		h.Logger.Error("history read failed", "account_id", acc.AccountID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
