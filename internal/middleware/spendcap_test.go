package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/models"
)

// injectAccount wraps a handler to pre-set the account in context,
// simulating what APIKeyAuth would do upstream.
func injectAccount(acc *models.CreditAccount, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxAccountKey, acc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decP(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type stubDailyUsage struct {
	spent decimal.Decimal
}

func (s *stubDailyUsage) SumUsageSince(_ context.Context, _ uuid.UUID, _ time.Time) (decimal.Decimal, error) {
	return s.spent, nil
}

// cap200 proves the middleware let the request through, and that the body
// survived the peek.
var cap200 = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
})

// ---------------------------------------------------------------------------

func TestSpendCap_WithinLimits(t *testing.T) {
	acc := &models.CreditAccount{
		AccountID:         uuid.New(),
		MaxCostPerRequest: decP("5"),
		MaxCostPerDay:     decP("20"),
	}
	handler := injectAccount(acc, SpendCap(billing.DefaultPrices(), &stubDailyUsage{})(cap200))

	// 2000 compute seconds cost 1 credit, under both caps.
	body := `{"kind":"compute_seconds","units":2000}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// The handler downstream must still be able to read the body.
	if rec.Body.String() != body {
		t.Errorf("body was not restored for the handler: %q", rec.Body.String())
	}
}

func TestSpendCap_ExceedsPerRequest(t *testing.T) {
	acc := &models.CreditAccount{
		AccountID:         uuid.New(),
		MaxCostPerRequest: decP("0.5"),
	}
	handler := injectAccount(acc, SpendCap(billing.DefaultPrices(), &stubDailyUsage{})(cap200))

	body := `{"kind":"compute_seconds","units":2000}` // costs 1
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "per-request limit") {
		t.Errorf("expected per-request error message, got: %s", rec.Body.String())
	}
}

func TestSpendCap_ExceedsDailyLimit(t *testing.T) {
	acc := &models.CreditAccount{
		AccountID:     uuid.New(),
		MaxCostPerDay: decP("10"),
	}
	// 9.5 already spent today + 1 requested > 10.
	usage := &stubDailyUsage{spent: decimal.RequireFromString("9.5")}
	handler := injectAccount(acc, SpendCap(billing.DefaultPrices(), usage)(cap200))

	body := `{"kind":"compute_seconds","units":2000}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "daily limit") {
		t.Errorf("expected daily limit error message, got: %s", rec.Body.String())
	}
}

func TestSpendCap_UnknownUsageKind(t *testing.T) {
	acc := &models.CreditAccount{AccountID: uuid.New()}
	handler := injectAccount(acc, SpendCap(billing.DefaultPrices(), &stubDailyUsage{})(cap200))

	body := `{"kind":"teleportation","units":1}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "not allowed") {
		t.Errorf("expected kind-not-allowed error, got: %s", rec.Body.String())
	}
}

func TestSpendCap_NoCapsConfigured(t *testing.T) {
	acc := &models.CreditAccount{AccountID: uuid.New()}
	handler := injectAccount(acc, SpendCap(billing.DefaultPrices(), &stubDailyUsage{})(cap200))

	body := `{"kind":"tool_calls","units":100}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("accounts without caps must pass: got %d: %s", rec.Code, rec.Body.String())
	}
}
