package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/ledger"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockGrantAPI struct {
	lastKind billing.GrantKind
	lastCorr string
	balance  decimal.Decimal
}

func (m *mockGrantAPI) Grant(_ context.Context, _ uuid.UUID, amount decimal.Decimal, kind billing.GrantKind, _, _, correlationID string) (ledger.Balances, error) {
	if !amount.IsPositive() {
		return ledger.Balances{}, ledger.ErrInvalidAmount
	}
	m.lastKind = kind
	m.lastCorr = correlationID
	m.balance = m.balance.Add(amount)
	out := ledger.Balances{Total: m.balance}
	if kind == billing.GrantExpiring {
		out.Expiring = m.balance
	} else {
		out.NonExpiring = m.balance
	}
	return out, nil
}

type mockAdjustAPI struct {
	balance decimal.Decimal
}

func (m *mockAdjustAPI) Adjust(_ context.Context, _ uuid.UUID, amount decimal.Decimal, _ string) (ledger.Balances, error) {
	if amount.IsZero() {
		return ledger.Balances{}, ledger.ErrInvalidAmount
	}
	next := m.balance.Add(amount)
	if next.IsNegative() {
		return ledger.Balances{}, fmt.Errorf("adjustment of %s would drive balance below zero", amount)
	}
	m.balance = next
	return ledger.Balances{Total: next, NonExpiring: next}, nil
}

func (m *mockAdjustAPI) Reconcile(_ context.Context, accountID uuid.UUID) (ledger.ReconcileReport, error) {
	return ledger.ReconcileReport{AccountID: accountID, Balance: m.balance, BucketsOK: true, EntriesOK: true}, nil
}

func newAdminHandler(g *mockGrantAPI, a *mockAdjustAPI) *AdminHandler {
	if g == nil {
		g = &mockGrantAPI{}
	}
	if a == nil {
		a = &mockAdjustAPI{}
	}
	return &AdminHandler{Billing: g, Ledger: a, Logger: slog.Default()}
}

// ---------------------------------------------------------------------------

func TestCreateGrant(t *testing.T) {
	g := &mockGrantAPI{}
	h := newAdminHandler(g, nil)
	accountID := uuid.New()

	body := fmt.Sprintf(`{"account_id":%q,"amount":"25","expiring":true,"correlation_id":"ticket-42"}`, accountID)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/grants", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateGrant(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if g.lastKind != billing.GrantExpiring {
		t.Errorf("kind: got %q, want expiring", g.lastKind)
	}
	if g.lastCorr != "ticket-42" {
		t.Errorf("correlation: got %q, want ticket-42", g.lastCorr)
	}
	var resp balancesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != "25" {
		t.Errorf("total: got %q, want 25", resp.Total)
	}
}

func TestCreateGrant_BadInput(t *testing.T) {
	h := newAdminHandler(nil, nil)

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `nope`},
		{"bad account id", `{"account_id":"not-a-uuid","amount":"5"}`},
		{"bad amount", fmt.Sprintf(`{"account_id":%q,"amount":"lots"}`, uuid.New())},
		{"negative amount", fmt.Sprintf(`{"account_id":%q,"amount":"-5"}`, uuid.New())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/grants", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.CreateGrant(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateAdjustment(t *testing.T) {
	a := &mockAdjustAPI{balance: dec("10")}
	h := newAdminHandler(nil, a)
	accountID := uuid.New()

	body := fmt.Sprintf(`{"account_id":%q,"amount":"-4","description":"billing dispute"}`, accountID)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/adjustments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateAdjustment(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp balancesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != "6" {
		t.Errorf("total: got %q, want 6", resp.Total)
	}

	// A description is mandatory for the audit trail.
	body = fmt.Sprintf(`{"account_id":%q,"amount":"-1"}`, accountID)
	rec = httptest.NewRecorder()
	h.CreateAdjustment(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/adjustments", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing description: expected 400, got %d", rec.Code)
	}

	// Driving the balance negative is a business rejection, not a 500.
	body = fmt.Sprintf(`{"account_id":%q,"amount":"-100","description":"oops"}`, accountID)
	rec = httptest.NewRecorder()
	h.CreateAdjustment(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/adjustments", strings.NewReader(body)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("below-zero adjustment: expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetReconciliation(t *testing.T) {
	a := &mockAdjustAPI{balance: dec("7")}
	h := newAdminHandler(nil, a)
	accountID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/"+accountID.String(), nil)
	req.SetPathValue("account_id", accountID.String())
	rec := httptest.NewRecorder()
	h.GetReconciliation(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report ledger.ReconcileReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.AccountID != accountID || !report.OK() {
		t.Errorf("report: %+v", report)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/garbage", nil)
	req.SetPathValue("account_id", "garbage")
	rec = httptest.NewRecorder()
	h.GetReconciliation(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}
