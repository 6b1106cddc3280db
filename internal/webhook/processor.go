package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/billing"
	"github.com/meterline/backend/internal/ledger"
	"github.com/meterline/backend/internal/models"
)

// Biller is the slice of the billing service the processor drives.
type Biller interface {
	GrantPeriod(ctx context.Context, acc *models.CreditAccount, tier billing.Tier, periodStart, periodEnd time.Time, processedBy, externalEventID string) (bool, error)
	TierForPlan(planID string) (billing.Tier, error)
}

// LedgerAPI is the slice of the ledger the processor needs directly.
type LedgerAPI interface {
	ResetExpiringCredits(ctx context.Context, accountID uuid.UUID, newCredits decimal.Decimal, description, correlationID string) (ledger.Balances, error)
}

// AccountStore resolves and updates account/provider mappings.
type AccountStore interface {
	Get(ctx context.Context, accountID uuid.UUID) (*models.CreditAccount, error)
	GetByExternalCustomerID(ctx context.Context, customerID string) (*models.CreditAccount, error)
	Ensure(ctx context.Context, accountID uuid.UUID) error
	UpdateSubscription(ctx context.Context, accountID uuid.UUID, tier string, customerID, subscriptionID *string, nextGrant *time.Time) error
}

// Processor applies admitted billing events. It runs strictly after
// Guard.Begin; the ledger's correlation-id check is a second net under it.
type Processor struct {
	billing  Biller
	ledger   LedgerAPI
	accounts AccountStore
	log      *slog.Logger
}

func NewProcessor(b Biller, l LedgerAPI, accounts AccountStore, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{billing: b, ledger: l, accounts: accounts, log: log}
}

// Process dispatches one normalized event. Unknown event types complete as
// no-ops: the provider contract is to ack anything well-formed.
func (p *Processor) Process(ctx context.Context, ev Event) error {
	switch ev.Type {
	case models.EventSubscriptionCreated, models.EventSubscriptionUpdated:
		return p.applySubscription(ctx, ev)
	case models.EventSubscriptionDeleted:
		return p.cancelSubscription(ctx, ev)
	case models.EventInvoicePaid:
		return p.applyInvoicePaid(ctx, ev)
	case models.EventInvoicePaymentFailed:
		return p.recordPaymentFailure(ctx, ev)
	case models.EventTrialWillEnd:
		p.log.Info("trial ending soon", "event_id", ev.ID)
		return nil
	default:
		p.log.Info("ignoring unhandled event type", "event_id", ev.ID, "event_type", ev.Type)
		return nil
	}
}

func (p *Processor) applySubscription(ctx context.Context, ev Event) error {
	var data subscriptionData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("subscription payload: %w", err)
	}

	acc, err := p.resolveAccount(ctx, data)
	if err != nil {
		return err
	}

	tier, err := p.billing.TierForPlan(data.PlanID)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}

	var nextGrant *time.Time
	if data.CurrentPeriodEnd > 0 {
		t := time.Unix(data.CurrentPeriodEnd, 0).UTC()
		nextGrant = &t
	}
	err = p.accounts.UpdateSubscription(ctx, acc.AccountID, tier.Name, optional(data.CustomerID), optional(data.SubscriptionID), nextGrant)
	if err != nil {
		return err
	}
	p.log.Info("subscription applied",
		"event_id", ev.ID, "account_id", acc.AccountID, "tier", tier.Name)

	// A freshly created subscription grants its first period immediately;
	// the invoice.paid delivery for the same period lands on the renewal
	// guard and becomes a no-op (or vice versa, whichever arrives first).
	// Without both period bounds the grant waits for invoice.paid, which
	// carries them.
	if ev.Type == models.EventSubscriptionCreated && data.CurrentPeriodStart > 0 && data.CurrentPeriodEnd > 0 {
		acc, err = p.accounts.Get(ctx, acc.AccountID)
		if err != nil {
			return err
		}
		start := time.Unix(data.CurrentPeriodStart, 0).UTC()
		end := time.Unix(data.CurrentPeriodEnd, 0).UTC()
		if _, err := p.billing.GrantPeriod(ctx, acc, tier, start, end, "webhook", ev.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) cancelSubscription(ctx context.Context, ev Event) error {
	var data subscriptionData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("subscription payload: %w", err)
	}
	acc, err := p.accounts.GetByExternalCustomerID(ctx, data.CustomerID)
	if err != nil {
		return fmt.Errorf("event %s: resolve customer %q: %w", ev.ID, data.CustomerID, err)
	}

	// Accounts are never deleted: drop to the none tier and forfeit the
	// expiring bucket. Non-expiring credits survive cancellation.
	if err := p.accounts.UpdateSubscription(ctx, acc.AccountID, models.TierNone, nil, nil, nil); err != nil {
		return err
	}
	if _, err := p.ledger.ResetExpiringCredits(ctx, acc.AccountID, decimal.Zero, "subscription cancelled", ev.ID); err != nil {
		return err
	}
	p.log.Info("subscription cancelled", "event_id", ev.ID, "account_id", acc.AccountID)
	return nil
}

func (p *Processor) applyInvoicePaid(ctx context.Context, ev Event) error {
	var data invoiceData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("invoice payload: %w", err)
	}
	acc, err := p.accounts.GetByExternalCustomerID(ctx, data.CustomerID)
	if err != nil {
		return fmt.Errorf("event %s: resolve customer %q: %w", ev.ID, data.CustomerID, err)
	}

	tier, err := p.billing.TierForPlan(data.PlanID)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}

	granted, err := p.billing.GrantPeriod(ctx, acc, tier, data.periodStart(), data.periodEnd(), "webhook", ev.ID)
	if err != nil {
		return err
	}
	if !granted {
		p.log.Info("invoice period already credited", "event_id", ev.ID, "account_id", acc.AccountID)
	}
	return nil
}

func (p *Processor) recordPaymentFailure(ctx context.Context, ev Event) error {
	var data invoiceData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("invoice payload: %w", err)
	}
	acc, err := p.accounts.GetByExternalCustomerID(ctx, data.CustomerID)
	if err != nil {
		return fmt.Errorf("event %s: resolve customer %q: %w", ev.ID, data.CustomerID, err)
	}
	// No balance change; dunning and downgrade decisions belong to the
	// provider, which follows up with subscription events.
	p.log.Warn("invoice payment failed", "event_id", ev.ID, "account_id", acc.AccountID)
	return nil
}

func (p *Processor) resolveAccount(ctx context.Context, data subscriptionData) (*models.CreditAccount, error) {
	if data.AccountID != "" {
		id, err := uuid.Parse(data.AccountID)
		if err != nil {
			return nil, fmt.Errorf("bad account_id %q: %w", data.AccountID, err)
		}
		if err := p.accounts.Ensure(ctx, id); err != nil {
			return nil, err
		}
		return p.accounts.Get(ctx, id)
	}
	return p.accounts.GetByExternalCustomerID(ctx, data.CustomerID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
