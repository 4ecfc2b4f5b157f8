// Package quota decides whether an account may create one more resource of a
// kind. Everything here is pure: no I/O, no clocks, no globals that change.
package quota

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

// GiB is one gibibyte in bytes
const GiB int64 = 1 << 30

// Limit is a per-kind cap. The zero value is a bounded limit of 0.
type Limit struct {
	max       int64
	unbounded bool
}

// Bounded returns a limit that allows usage strictly below n
func Bounded(n int64) Limit { return Limit{max: n} }

// Unbounded returns the limit used by enterprise plans
func Unbounded() Limit { return Limit{unbounded: true} }

// IsUnbounded reports whether the limit never denies
func (l Limit) IsUnbounded() bool { return l.unbounded }

// Max returns the cap and false when the limit is unbounded
func (l Limit) Max() (int64, bool) {
	if l.unbounded {
		return 0, false
	}
	return l.max, true
}

// Permits reports whether usage plus delta stays within the limit.
// A request is denied once usage has reached the cap, whatever the delta.
func (l Limit) Permits(usage, delta int64) bool {
	if l.unbounded {
		return true
	}
	if usage >= l.max {
		return false
	}
	return usage+delta <= l.max
}

func (l Limit) String() string {
	if l.unbounded {
		return "unlimited"
	}
	return strconv.FormatInt(l.max, 10)
}

// MarshalJSON renders unbounded limits as null
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unbounded {
		return []byte("null"), nil
	}
	return json.Marshal(l.max)
}

// Limits is the cap for every resource kind on one plan
type Limits struct {
	Properties   Limit `json:"properties"`
	Residents    Limit `json:"residents"`
	StorageBytes Limit `json:"storage_bytes"`
}

// For returns the limit for one kind
func (l Limits) For(kind domain.ResourceKind) Limit {
	switch kind {
	case domain.KindProperty:
		return l.Properties
	case domain.KindResident:
		return l.Residents
	case domain.KindStorage:
		return l.StorageBytes
	}
	return Bounded(0)
}

var planLimits = map[domain.Plan]Limits{
	domain.PlanFree: {
		Properties:   Bounded(1),
		Residents:    Bounded(5),
		StorageBytes: Bounded(1 * GiB),
	},
	domain.PlanPremium: {
		Properties:   Bounded(5),
		Residents:    Bounded(100),
		StorageBytes: Bounded(50 * GiB),
	},
	domain.PlanEnterprise: {
		Properties:   Unbounded(),
		Residents:    Unbounded(),
		StorageBytes: Unbounded(),
	},
}

// LimitsFor returns the limits of a plan; unknown plans get free limits
func LimitsFor(plan domain.Plan) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[domain.PlanFree]
}

// EffectivePlan is the plan whose limits apply. Accounts that are past due or
// cancelled fall back to free until billing recovers.
func EffectivePlan(acct domain.Account) domain.Plan {
	if !acct.SubscriptionStatus.InGoodStanding() || !acct.Plan.IsValid() {
		return domain.PlanFree
	}
	return acct.Plan
}

// Decision is the outcome of one evaluation
type Decision struct {
	Allowed bool                `json:"allowed"`
	Kind    domain.ResourceKind `json:"kind"`
	Usage   int64               `json:"usage"`
	Limit   Limit               `json:"limit"`
	Plan    domain.Plan         `json:"plan"`
	// Reason explains a denial, e.g. "plan free allows 1 property"
	Reason string `json:"reason,omitempty"`
}

// Err returns a QuotaDeniedError for a denied decision and nil otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	max, _ := d.Limit.Max()
	return &domain.QuotaDeniedError{Kind: d.Kind, Limit: max, Plan: d.Plan, Reason: d.Reason}
}

// Evaluate decides whether one more resource of kind may be created given the
// current usage. It denies when usage >= limit.
func Evaluate(kind domain.ResourceKind, acct domain.Account, usage int64) Decision {
	return EvaluateAdd(kind, acct, usage, 1)
}

// EvaluateAdd is Evaluate for requests that add delta units at once, such as
// an attachment of delta bytes. It denies when usage >= limit or when usage
// plus delta would pass the limit.
func EvaluateAdd(kind domain.ResourceKind, acct domain.Account, usage, delta int64) Decision {
	plan := EffectivePlan(acct)
	limit := LimitsFor(plan).For(kind)
	d := Decision{
		Allowed: limit.Permits(usage, delta),
		Kind:    kind,
		Usage:   usage,
		Limit:   limit,
		Plan:    plan,
	}
	if !d.Allowed {
		d.Reason = denyReason(plan, kind, limit, usage)
	}
	return d
}

func denyReason(plan domain.Plan, kind domain.ResourceKind, limit Limit, usage int64) string {
	max, _ := limit.Max()
	switch kind {
	case domain.KindStorage:
		return fmt.Sprintf("plan %s allows %s of storage, %s used", plan, formatBytes(max), formatBytes(usage))
	case domain.KindProperty:
		return fmt.Sprintf("plan %s allows %d %s", plan, max, plural(max, "property", "properties"))
	case domain.KindResident:
		return fmt.Sprintf("plan %s allows %d %s", plan, max, plural(max, "resident", "residents"))
	}
	return fmt.Sprintf("plan %s allows %d %s", plan, max, kind)
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func formatBytes(n int64) string {
	if n > 0 && n%GiB == 0 {
		return strconv.FormatInt(n/GiB, 10) + " GiB"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}

// Usage is the amount consumed per kind
type Usage struct {
	Properties int64 `json:"properties"`
	// Units counts against the resident limit when a unit is created
	Units int64 `json:"units"`
	// Residents is the number of leases that have not ended
	Residents    int64 `json:"residents"`
	StorageBytes int64 `json:"storage_bytes"`
}

// Report summarises an account's plan, limits and usage
type Report struct {
	AccountID          string                    `json:"account_id"`
	Plan               domain.Plan               `json:"plan"`
	EffectivePlan      domain.Plan               `json:"effective_plan"`
	SubscriptionStatus domain.SubscriptionStatus `json:"subscription_status"`
	Limits             Limits                    `json:"limits"`
	Usage              Usage                     `json:"usage"`
}

// NewReport builds a usage report for display
func NewReport(acct domain.Account, usage Usage) Report {
	plan := EffectivePlan(acct)
	return Report{
		AccountID:          acct.ID,
		Plan:               acct.Plan,
		EffectivePlan:      plan,
		SubscriptionStatus: acct.SubscriptionStatus,
		Limits:             LimitsFor(plan),
		Usage:              usage,
	}
}
