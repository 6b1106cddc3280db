package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/ledger"
	"github.com/meterline/backend/internal/middleware"
	"github.com/meterline/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockBilling struct {
	balance decimal.Decimal
	usage   []billing.UsageDescriptor
}

func (m *mockBilling) CheckAndReserve(_ context.Context, _ uuid.UUID, estimatedCost decimal.Decimal) (bool, string, error) {
	if m.balance.LessThan(estimatedCost) {
		return false, "insufficient credits", nil
	}
	return true, "", nil
}

func (m *mockBilling) DeductUsage(_ context.Context, _ uuid.UUID, u billing.UsageDescriptor) (billing.UsageResult, error) {
	m.usage = append(m.usage, u)
	cost, err := billing.DefaultPrices().Cost(u)
	if err != nil {
		return billing.UsageResult{}, err
	}
	if m.balance.LessThan(cost) {
		return billing.UsageResult{Success: false, Cost: cost, NewBalance: m.balance, Message: "insufficient credits"}, nil
	}
	m.balance = m.balance.Sub(cost)
	return billing.UsageResult{Success: true, Cost: cost, NewBalance: m.balance}, nil
}

type mockLedgerReader struct {
	balances ledger.Balances
}

func (m *mockLedgerReader) GetBalance(context.Context, uuid.UUID) (ledger.Balances, error) {
	return m.balances, nil
}

type mockHistory struct {
	entries []*models.LedgerEntry
	limit   int
}

func (m *mockHistory) ListByAccountID(_ context.Context, _ uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	m.limit = limit
	return m.entries, nil
}

func testAccount() *models.CreditAccount {
	return &models.CreditAccount{AccountID: uuid.New(), Tier: models.TierPro}
}

func authed(acc *models.CreditAccount, req *http.Request) *http.Request {
	return req.WithContext(middleware.WithAccount(req.Context(), acc))
}

func newCreditsHandler(b *mockBilling, l *mockLedgerReader, h *mockHistory) *CreditsHandler {
	if b == nil {
		b = &mockBilling{}
	}
	if l == nil {
		l = &mockLedgerReader{}
	}
	if h == nil {
		h = &mockHistory{}
	}
	return &CreditsHandler{Billing: b, Ledger: l, History: h, Logger: slog.Default()}
}

// ---------------------------------------------------------------------------
// POST /v1/credits/check
// ---------------------------------------------------------------------------

func TestCheck(t *testing.T) {
	b := &mockBilling{balance: dec("10")}
	l := &mockLedgerReader{balances: ledger.Balances{Total: dec("10")}}
	h := newCreditsHandler(b, l, nil)
	acc := testAccount()

	req := authed(acc, httptest.NewRequest(http.MethodPost, "/v1/credits/check", strings.NewReader(`{"estimated_cost":"3"}`)))
	rec := httptest.NewRecorder()
	h.Check(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp checkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Allowed || resp.Balance != "10" {
		t.Errorf("response: %+v", resp)
	}

	// Unaffordable estimate is 200 with allowed=false, not an error.
	req = authed(acc, httptest.NewRequest(http.MethodPost, "/v1/credits/check", strings.NewReader(`{"estimated_cost":"99"}`)))
	rec = httptest.NewRecorder()
	h.Check(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Allowed || resp.Message == "" {
		t.Errorf("unaffordable response: %+v", resp)
	}
}

func TestCheck_Unauthed(t *testing.T) {
	h := newCreditsHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/check", strings.NewReader(`{"estimated_cost":"1"}`))
	rec := httptest.NewRecorder()
	h.Check(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /v1/credits/usage
// ---------------------------------------------------------------------------

func TestRecordUsage(t *testing.T) {
	b := &mockBilling{balance: dec("10")}
	h := newCreditsHandler(b, nil, nil)
	acc := testAccount()

	body := `{"kind":"compute_seconds","units":2000}`
	req := authed(acc, httptest.NewRequest(http.MethodPost, "/v1/credits/usage", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	h.RecordUsage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res billing.UsageResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Cost.Equal(dec("1")) || !res.NewBalance.Equal(dec("9")) {
		t.Errorf("result: %+v", res)
	}
}

func TestRecordUsage_InsufficientIs402(t *testing.T) {
	b := &mockBilling{balance: dec("0.1")}
	h := newCreditsHandler(b, nil, nil)
	acc := testAccount()

	body := `{"kind":"compute_seconds","units":2000}`
	req := authed(acc, httptest.NewRequest(http.MethodPost, "/v1/credits/usage", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	h.RecordUsage(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// GET /v1/credits/balance and /v1/credits/history
// ---------------------------------------------------------------------------

func TestBalance(t *testing.T) {
	l := &mockLedgerReader{balances: ledger.Balances{Total: dec("12"), Expiring: dec("10"), NonExpiring: dec("2")}}
	h := newCreditsHandler(nil, l, nil)
	acc := testAccount()

	req := authed(acc, httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil))
	rec := httptest.NewRecorder()
	h.Balance(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != "12" || resp.Expiring != "10" || resp.NonExpiring != "2" || resp.Tier != models.TierPro {
		t.Errorf("response: %+v", resp)
	}
}

func TestListHistory(t *testing.T) {
	hist := &mockHistory{entries: []*models.LedgerEntry{
		{ID: uuid.New(), Amount: dec("10"), EntryType: models.EntryAdminGrant, CreatedAt: time.Now()},
		{ID: uuid.New(), Amount: dec("-3"), EntryType: models.EntryUsage, CreatedAt: time.Now()},
	}}
	h := newCreditsHandler(nil, nil, hist)
	acc := testAccount()

	req := authed(acc, httptest.NewRequest(http.MethodGet, "/v1/credits/history?limit=10", nil))
	rec := httptest.NewRecorder()
	h.ListHistory(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if hist.limit != 10 {
		t.Errorf("limit: got %d, want 10", hist.limit)
	}
	var entries []*models.LedgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("entries: got %d, want 2", len(entries))
	}

	// Out-of-range limit is rejected.
	req = authed(acc, httptest.NewRequest(http.MethodGet, "/v1/credits/history?limit=9999", nil))
	rec = httptest.NewRecorder()
	h.ListHistory(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit, got %d", rec.Code)
	}
}
