package quota

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

func account(plan domain.Plan, status domain.SubscriptionStatus) domain.Account {
	return domain.Account{ID: "acct-1", Plan: plan, SubscriptionStatus: status}
}

func TestEvaluate_LimitTable(t *testing.T) {
	tests := []struct {
		name    string
		plan    domain.Plan
		kind    domain.ResourceKind
		usage   int64
		allowed bool
	}{
		{"free property below", domain.PlanFree, domain.KindProperty, 0, true},
		{"free property at limit", domain.PlanFree, domain.KindProperty, 1, false},
		{"free residents below", domain.PlanFree, domain.KindResident, 4, true},
		{"free residents at limit", domain.PlanFree, domain.KindResident, 5, false},
		{"free storage below", domain.PlanFree, domain.KindStorage, GiB - 1, true},
		{"free storage at limit", domain.PlanFree, domain.KindStorage, GiB, false},
		{"premium property below", domain.PlanPremium, domain.KindProperty, 4, true},
		{"premium property at limit", domain.PlanPremium, domain.KindProperty, 5, false},
		{"premium residents at limit", domain.PlanPremium, domain.KindResident, 100, false},
		{"premium storage at limit", domain.PlanPremium, domain.KindStorage, 50 * GiB, false},
		{"enterprise huge usage", domain.PlanEnterprise, domain.KindProperty, 1 << 40, true},
		{"enterprise storage", domain.PlanEnterprise, domain.KindStorage, 1 << 50, true},
		{"unknown plan treated as free", domain.Plan("gold"), domain.KindProperty, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.kind, account(tt.plan, domain.StatusActive), tt.usage)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.usage, d.Usage)
		})
	}
}

func TestEvaluate_Boundary(t *testing.T) {
	for _, plan := range []domain.Plan{domain.PlanFree, domain.PlanPremium} {
		for _, kind := range []domain.ResourceKind{domain.KindProperty, domain.KindResident, domain.KindStorage} {
			acct := account(plan, domain.StatusActive)
			max, ok := LimitsFor(plan).For(kind).Max()
			require.True(t, ok)

			assert.True(t, Evaluate(kind, acct, max-1).Allowed, "%s/%s below limit", plan, kind)
			assert.False(t, Evaluate(kind, acct, max).Allowed, "%s/%s at limit", plan, kind)
			assert.False(t, Evaluate(kind, acct, max+1).Allowed, "%s/%s above limit", plan, kind)
		}
	}
}

func TestEvaluate_PastDueIsFree(t *testing.T) {
	tests := []struct {
		name   string
		status domain.SubscriptionStatus
	}{
		{"past due", domain.StatusPastDue},
		{"cancelled", domain.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, plan := range []domain.Plan{domain.PlanPremium, domain.PlanEnterprise} {
				for _, kind := range []domain.ResourceKind{domain.KindProperty, domain.KindResident, domain.KindStorage} {
					for _, usage := range []int64{0, 1, 4, 5, 99, GiB, 2 * GiB} {
						got := Evaluate(kind, account(plan, tt.status), usage)
						want := Evaluate(kind, account(domain.PlanFree, domain.StatusActive), usage)
						assert.Equal(t, want, got, "%s %s usage=%d", plan, kind, usage)
					}
				}
			}
		})
	}
}

func TestEvaluate_TrialingKeepsPlan(t *testing.T) {
	d := Evaluate(domain.KindProperty, account(domain.PlanPremium, domain.StatusTrialing), 3)
	assert.True(t, d.Allowed)
	assert.Equal(t, domain.PlanPremium, d.Plan)
}

func TestDecision_Err(t *testing.T) {
	d := Evaluate(domain.KindProperty, account(domain.PlanFree, domain.StatusActive), 1)
	err := d.Err()
	require.Error(t, err)

	var qe *domain.QuotaDeniedError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(1), qe.Limit)
	assert.Equal(t, domain.PlanFree, qe.Plan)
	assert.Equal(t, domain.KindProperty, qe.Kind)

	assert.NoError(t, Evaluate(domain.KindProperty, account(domain.PlanFree, domain.StatusActive), 0).Err())
}

func TestDecision_Reason(t *testing.T) {
	tests := []struct {
		name  string
		kind  domain.ResourceKind
		plan  domain.Plan
		usage int64
		delta int64
		want  string
	}{
		{"free property", domain.KindProperty, domain.PlanFree, 1, 1, "plan free allows 1 property"},
		{"premium properties", domain.KindProperty, domain.PlanPremium, 5, 1, "plan premium allows 5 properties"},
		{"free residents", domain.KindResident, domain.PlanFree, 5, 1, "plan free allows 5 residents"},
		{"storage overflow", domain.KindStorage, domain.PlanFree, GiB - 10, 11, "plan free allows 1 GiB of storage, 1073741814 bytes used"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateAdd(tt.kind, account(tt.plan, domain.StatusActive), tt.usage, tt.delta)
			require.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)

			var qe *domain.QuotaDeniedError
			require.ErrorAs(t, d.Err(), &qe)
			assert.Equal(t, tt.want, qe.Reason)
			assert.Contains(t, qe.Error(), tt.want)
		})
	}

	allowed := Evaluate(domain.KindProperty, account(domain.PlanFree, domain.StatusActive), 0)
	assert.Empty(t, allowed.Reason)
}

func TestEvaluateAdd_Storage(t *testing.T) {
	acct := account(domain.PlanFree, domain.StatusActive)

	assert.True(t, EvaluateAdd(domain.KindStorage, acct, GiB-10, 10).Allowed)
	assert.False(t, EvaluateAdd(domain.KindStorage, acct, GiB-10, 11).Allowed)
	assert.False(t, EvaluateAdd(domain.KindStorage, acct, GiB, 0).Allowed)
	assert.True(t, EvaluateAdd(domain.KindStorage, account(domain.PlanEnterprise, domain.StatusActive), GiB*1000, GiB).Allowed)
}

func TestLimit(t *testing.T) {
	_, ok := Unbounded().Max()
	assert.False(t, ok)
	assert.True(t, Unbounded().IsUnbounded())
	assert.Equal(t, "unlimited", Unbounded().String())
	assert.Equal(t, "5", Bounded(5).String())

	raw, err := json.Marshal(LimitsFor(domain.PlanEnterprise))
	require.NoError(t, err)
	assert.JSONEq(t, `{"properties":null,"residents":null,"storage_bytes":null}`, string(raw))

	raw, err = json.Marshal(LimitsFor(domain.PlanFree))
	require.NoError(t, err)
	assert.JSONEq(t, `{"properties":1,"residents":5,"storage_bytes":1073741824}`, string(raw))
}

func TestNewReport(t *testing.T) {
	r := NewReport(account(domain.PlanPremium, domain.StatusPastDue), Usage{Properties: 3})
	assert.Equal(t, domain.PlanPremium, r.Plan)
	assert.Equal(t, domain.PlanFree, r.EffectivePlan)
	max, _ := r.Limits.Properties.Max()
	assert.Equal(t, int64(1), max)
	assert.Equal(t, int64(3), r.Usage.Properties)
}
