package creditledger

import (
	"fmt"
	"math"
	"sort"
)

// PlanCatalog resolves a tier to its plan definition.
type PlanCatalog interface {
	Resolve(tier string) (Plan, error)
}

// StaticCatalog is an immutable in-memory PlanCatalog.
type StaticCatalog struct {
	plans map[string]Plan
}

var _ PlanCatalog = (*StaticCatalog)(nil)

// NewStaticCatalog builds a catalog from plans.
func NewStaticCatalog(plans ...Plan) (*StaticCatalog, error) {
	m := make(map[string]Plan, len(plans))
	for i, p := range plans {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("creditledger: plans[%d]: %w", i, err)
		}
		if _, dup := m[p.Tier]; dup {
			return nil, fmt.Errorf("creditledger: duplicate tier %q", p.Tier)
		}
		m[p.Tier] = p
	}
	return &StaticCatalog{plans: m}, nil
}

// Resolve returns the plan for tier or ErrUnknownTier.
func (c *StaticCatalog) Resolve(tier string) (Plan, error) {
	p, ok := c.plans[tier]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return p, nil
}

// Tiers returns the known tiers in sorted order.
func (c *StaticCatalog) Tiers() []string {
	tiers := make([]string, 0, len(c.plans))
	for t := range c.plans {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	return tiers
}

func (p Plan) validate() error {
	if p.Tier == "" {
		return fmt.Errorf("tier is required")
	}
	if !p.MonthlyAllowance.IsUnlimited() && p.MonthlyAllowance.Value() < 0 {
		return fmt.Errorf("tier %q: monthly_allowance must be non-negative", p.Tier)
	}
	if p.RolloverCap < 0 {
		return fmt.Errorf("tier %q: rollover_cap must be non-negative", p.Tier)
	}
	if !p.RolloverEnabled && p.RolloverCap > 0 {
		return fmt.Errorf("tier %q: rollover_cap set but rollover is disabled", p.Tier)
	}
	if p.SignupBonus < 0 {
		return fmt.Errorf("tier %q: signup_bonus must be non-negative", p.Tier)
	}
	return nil
}

// CostTable maps operation names to their per-unit credit cost.
type CostTable map[string]int64

// Cost returns the total cost of quantity units of operation.
// A quantity of 0 is treated as 1.
func (t CostTable) Cost(operation string, quantity int64) (int64, error) {
	if quantity < 0 {
		return 0, fmt.Errorf("%w: quantity %d", ErrInvalidAmount, quantity)
	}
	if quantity == 0 {
		quantity = 1
	}
	unit, ok := t[operation]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	if unit < 0 {
		return 0, fmt.Errorf("%w: negative cost for %q", ErrInvalidAmount, operation)
	}
	if unit != 0 && quantity > math.MaxInt64/unit {
		return 0, fmt.Errorf("%w: cost overflow", ErrInvalidAmount)
	}
	return unit * quantity, nil
}
