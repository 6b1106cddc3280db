package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meterline/backend/internal/models"
)

// Tier is the catalog's answer for a plan: how many credits the plan grants
// per billing period and what to call it.
type Tier struct {
	Name           string
	DisplayName    string
	MonthlyCredits decimal.Decimal
}

// Catalog maps payment-provider plan ids to tiers. The real catalog lives
// with the payment provider; the ledger treats its amounts as opaque input.
type Catalog interface {
	Resolve(planID string) (Tier, error)
	ByTier(name string) (Tier, bool)
}

// StaticCatalog is the in-repo default mapping.
type StaticCatalog struct {
	byPlan map[string]Tier
	byName map[string]Tier
}

func NewStaticCatalog() *StaticCatalog {
	tiers := []Tier{
		{Name: models.TierNone, DisplayName: "Free", MonthlyCredits: decimal.Zero},
		{Name: models.TierStarter, DisplayName: "Starter", MonthlyCredits: decimal.NewFromInt(10)},
		{Name: models.TierPro, DisplayName: "Pro", MonthlyCredits: decimal.NewFromInt(50)},
		{Name: models.TierScale, DisplayName: "Scale", MonthlyCredits: decimal.NewFromInt(250)},
	}
	c := &StaticCatalog{byPlan: map[string]Tier{}, byName: map[string]Tier{}}
	for _, t := range tiers {
		c.byName[t.Name] = t
	}
	c.byPlan["plan_starter_monthly"] = c.byName[models.TierStarter]
	c.byPlan["plan_pro_monthly"] = c.byName[models.TierPro]
	c.byPlan["plan_scale_monthly"] = c.byName[models.TierScale]
	return c
}

var _ Catalog = (*StaticCatalog)(nil)

func (c *StaticCatalog) Resolve(planID string) (Tier, error) {
	t, ok := c.byPlan[planID]
	if !ok {
		return Tier{}, fmt.Errorf("unknown plan id %q", planID)
	}
	return t, nil
}

func (c *StaticCatalog) ByTier(name string) (Tier, bool) {
	t, ok := c.byName[name]
	return t, ok
}
