package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/auth"
	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/ledger"
)

// GrantAPI is the billing surface admin grants go through.
type GrantAPI interface {
	Grant(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, kind billing.GrantKind, entryType, description, correlationID string) (ledger.Balances, error)
}

// AdjustAPI is the ledger surface for corrections and audits.
type AdjustAPI interface {
	Adjust(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description string) (ledger.Balances, error)
	Reconcile(ctx context.Context, accountID uuid.UUID) (ledger.ReconcileReport, error)
}

// AdminHandler serves /v1/admin endpoints behind the admin JWT.
type AdminHandler struct {
	Billing GrantAPI
	Ledger  AdjustAPI
	Logger  *slog.Logger
}

// --- POST /v1/admin/grants ---

type grantRequest struct {
	AccountID     string `json:"account_id"`
	Amount        string `json:"amount"`
	Expiring      bool   `json:"expiring"`
	Description   string `json:"description"`
	CorrelationID string `json:"correlation_id"`
}

type balancesResponse struct {
	Total       string `json:"total"`
	Expiring    string `json:"expiring"`
	NonExpiring string `json:"non_expiring"`
}

// CreateGrant handles POST /v1/admin/grants. A correlation_id makes the
// grant safe to retry; repeats return the current balance without
// crediting twice.
func (h *AdminHandler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		return
	}

	kind := billing.GrantNonExpiring
	if req.Expiring {
		kind = billing.GrantExpiring
	}
	desc := req.Description
	if desc == "" {
		desc = "admin grant"
	}

	bal, err := h.Billing.Grant(r.Context(), accountID, amount, kind, "admin_grant", desc, req.CorrelationID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Error("admin grant failed",
			"admin_id", auth.AdminIDFromCtx(r.Context()), "account_id", accountID, "error", err)
		http.Error(w, `{"error":"grant failed"}`, http.StatusInternalServerError)
		return
	}

	h.Logger.Info("admin grant applied",
		"admin_id", auth.AdminIDFromCtx(r.Context()), "account_id", accountID,
		"amount", amount, "expiring", req.Expiring)
	writeJSON(w, http.StatusCreated, balancesResponse{
		Total:       bal.Total.String(),
		Expiring:    bal.Expiring.String(),
		NonExpiring: bal.NonExpiring.String(),
	})
}

// --- POST /v1/admin/adjustments ---

type adjustmentRequest struct {
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// CreateAdjustment handles POST /v1/admin/adjustments. Amount may be
// negative; the ledger rejects adjustments that would drive the balance
// below zero.
func (h *AdminHandler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		http.Error(w, `{"error":"description is required"}`, http.StatusBadRequest)
		return
	}

	bal, err := h.Ledger.Adjust(r.Context(), accountID, amount, req.Description)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			http.Error(w, `{"error":"amount must be non-zero"}`, http.StatusBadRequest)
			return
		}
		if errors.Is(err, ledger.ErrLockContended) {
			http.Error(w, `{"error":"account is busy, try again"}`, http.StatusConflict)
			return
		}
		h.Logger.Error("admin adjustment failed",
			"admin_id", auth.AdminIDFromCtx(r.Context()), "account_id", accountID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	h.Logger.Info("admin adjustment applied",
		"admin_id", auth.AdminIDFromCtx(r.Context()), "account_id", accountID, "amount", amount)
	writeJSON(w, http.StatusCreated, balancesResponse{
		Total:       bal.Total.String(),
		Expiring:    bal.Expiring.String(),
		NonExpiring: bal.NonExpiring.String(),
	})
}

// --- GET /v1/admin/reconciliation/{account_id} ---

func (h *AdminHandler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.PathValue("account_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}

	report, err := h.Ledger.Reconcile(r.Context(), accountID)
	if err != nil {
		h.Logger.Error("reconciliation failed", "account_id", accountID, "error", err)
		http.Error(w, `{"error":"reconciliation failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}
