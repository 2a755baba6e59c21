package domain

import "fmt"

// Plan is the billing plan of an identity.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPremium  Plan = "premium"
)

// Unlimited is the quota limit sentinel used by paid plans.
const Unlimited = -1

// ParsePlan validates a stored plan name.
func ParsePlan(s string) (Plan, error) {
	switch Plan(s) {
	case PlanFree, PlanStandard, PlanPremium:
		return Plan(s), nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}

// Paid reports whether the plan is unconstrained.
func (p Plan) Paid() bool {
	return p == PlanStandard || p == PlanPremium
}

// ExportQuota is the export allowance of one identity. For the free plan
// UsedCount never exceeds Limit.
type ExportQuota struct {
	Identity  string
	Plan      Plan
	UsedCount int
	Limit     int
}

// Remaining returns how many exports are left, or Unlimited.
func (q ExportQuota) Remaining() int {
	if q.Plan.Paid() || q.Limit == Unlimited {
		return Unlimited
	}
	if left := q.Limit - q.UsedCount; left > 0 {
		return left
	}
	return 0
}

// CanExport reports whether one more export is allowed.
func (q ExportQuota) CanExport() bool {
	r := q.Remaining()
	return r == Unlimited || r > 0
}

// QuotaDecision is the answer of a quota gate.
type QuotaDecision struct {
	CanExport        bool
	Reason           string
	ExportsRemaining int
}

// Decide turns a quota into a decision.
func (q ExportQuota) Decide() QuotaDecision {
	d := QuotaDecision{CanExport: q.CanExport(), ExportsRemaining: q.Remaining()}
	if !d.CanExport {
		d.Reason = fmt.Sprintf("free plan limit of %d exports reached", q.Limit)
	}
	return d
}
