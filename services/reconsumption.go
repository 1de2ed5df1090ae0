package services

import (
	"affiliate-engine/models"
)

// ReconsumptionPolicy decides, per package rank, whether a member has kept
// up with mandatory repurchases. A member who crossed a commission-received
// threshold owes requiredRatio × threshold of repurchase volume per crossed
// cycle; while in arrears their new orders count as reconsumption and they
// accrue no further commission.
type ReconsumptionPolicy struct {
	Ranks map[models.PackageRank]RankPolicy
}

func NewReconsumptionPolicy(cfg *EngineConfig) *ReconsumptionPolicy {
	return &ReconsumptionPolicy{Ranks: cfg.RankPolicies}
}

// inArrears is the shared predicate: commission received has crossed the
// rank threshold at least once and cumulative repurchases lag the required
// volume for the completed cycles. Re-evaluated per order, since the inputs move
// between orders, so nothing here is cached.
func (p *ReconsumptionPolicy) inArrears(m *models.Member) bool {
	policy, ok := p.Ranks[m.PackageRank]
	if !ok {
		// Rank none (or an unknown rank) never participates.
		return false
	}

	cycles := m.CumulativeCommissionReceived.Div(policy.Threshold).Floor()
	if cycles.IsZero() {
		return false
	}
	required := cycles.Mul(policy.Threshold).Mul(policy.RequiredRatio)
	return m.CumulativeReconsumptionVolume.LessThan(required)
}

// IsReconsumption reports whether a new order from this member must be
// flagged as mandatory repurchase volume.
func (p *ReconsumptionPolicy) IsReconsumption(m *models.Member) bool {
	return p.inArrears(m)
}

// CommissionAllowed reports whether the member may accrue a new commission.
func (p *ReconsumptionPolicy) CommissionAllowed(m *models.Member) bool {
	return !p.inArrears(m)
}
