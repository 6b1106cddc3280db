package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/billing"
)

const ctxUsageKey contextKey = "parsed_usage"

// UsageFromCtx returns the usage descriptor parsed by SpendCap, or nil.
func UsageFromCtx(ctx context.Context) *billing.UsageDescriptor {
	u, _ := ctx.Value(ctxUsageKey).(*billing.UsageDescriptor)
	return u
}

// DailyUsage computes credits spent on usage since a point in time.
type DailyUsage interface {
	SumUsageSince(ctx context.Context, accountID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

// SpendCap enforces the per-request and per-day cost caps of the account
// set by APIKeyAuth. Reads the body to extract the usage descriptor, prices
// it, then replaces r.Body so downstream handlers can re-read it.
func SpendCap(prices billing.PriceTable, usage DailyUsage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc := AccountFromCtx(r.Context())
			if acc == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek billing.UsageDescriptor
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}

			cost, err := prices.Cost(peek)
			if err != nil {
				if errors.Is(err, billing.ErrUnknownUsageKind) {
					http.Error(w, fmt.Sprintf(`{"error":"usage kind %q is not allowed"}`, peek.Kind), http.StatusForbidden)
					return
				}
				http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
				return
			}

			if acc.MaxCostPerRequest != nil && cost.GreaterThan(*acc.MaxCostPerRequest) {
				http.Error(w, fmt.Sprintf(`{"error":"cost %s exceeds per-request limit %s"}`, cost, acc.MaxCostPerRequest), http.StatusForbidden)
				return
			}

			if acc.MaxCostPerDay != nil {
				midnight := time.Now().UTC().Truncate(24 * time.Hour)
				spent, err := usage.SumUsageSince(r.Context(), acc.AccountID, midnight)
				if err != nil {
					http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
					return
				}
				if spent.Add(cost).GreaterThan(*acc.MaxCostPerDay) {
					http.Error(w, fmt.Sprintf(`{"error":"daily spend %s + cost %s exceeds daily limit %s"}`, spent, cost, acc.MaxCostPerDay), http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxUsageKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
