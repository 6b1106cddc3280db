package billing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnknownUsageKind is returned for usage kinds without a price.
var ErrUnknownUsageKind = errors.New("unknown usage kind")

// Usage kinds the platform meters.
const (
	UsageComputeSeconds = "compute_seconds"
	UsageLLMTokens      = "llm_tokens"
	UsageToolCalls      = "tool_calls"
)

// UsageDescriptor identifies one metered operation to charge.
type UsageDescriptor struct {
	Kind        string `json:"kind"`
	Units       int64  `json:"units"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// PriceTable prices usage kinds in credits per unit.
type PriceTable map[string]decimal.Decimal

// DefaultPrices are the platform's unit prices: compute per second, tokens
// per 1k handled by the caller passing token-thousands, tool calls flat.
func DefaultPrices() PriceTable {
	return PriceTable{
		UsageComputeSeconds: decimal.RequireFromString("0.0005"),
		UsageLLMTokens:      decimal.RequireFromString("0.00001"),
		UsageToolCalls:      decimal.RequireFromString("0.002"),
	}
}

// Cost prices the descriptor.
func (p PriceTable) Cost(u UsageDescriptor) (decimal.Decimal, error) {
	unit, ok := p[u.Kind]
	if !ok {
		return decimal.Zero, ErrUnknownUsageKind
	}
	if u.Units <= 0 {
		return decimal.Zero, errors.New("units must be positive")
	}
	return unit.Mul(decimal.NewFromInt(u.Units)), nil
}
