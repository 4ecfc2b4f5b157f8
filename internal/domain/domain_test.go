package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from     MaintenanceStatus
		to       MaintenanceStatus
		expected bool
	}{
		{MaintenancePending, MaintenanceInProgress, true},
		{MaintenancePending, MaintenanceCancelled, true},
		{MaintenanceInProgress, MaintenanceCompleted, true},
		{MaintenanceInProgress, MaintenanceCancelled, true},
		{MaintenancePending, MaintenanceCompleted, false},
		{MaintenanceInProgress, MaintenancePending, false},
		{MaintenanceCompleted, MaintenanceInProgress, false},
		{MaintenanceCompleted, MaintenanceCancelled, false},
		{MaintenanceCancelled, MaintenancePending, false},
		{MaintenanceStatus("bogus"), MaintenanceInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.expected {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestMaintenanceStatusIsTerminal(t *testing.T) {
	assert.False(t, MaintenancePending.IsTerminal())
	assert.False(t, MaintenanceInProgress.IsTerminal())
	assert.True(t, MaintenanceCompleted.IsTerminal())
	assert.True(t, MaintenanceCancelled.IsTerminal())
}

func TestLeaseStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from     LeaseStatus
		to       LeaseStatus
		expected bool
	}{
		{LeaseDraft, LeaseActive, true},
		{LeaseDraft, LeaseEnded, true},
		{LeaseActive, LeaseEnded, true},
		{LeaseActive, LeaseDraft, false},
		{LeaseEnded, LeaseActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRowValidate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)

	tests := []struct {
		name    string
		row     Row
		wantErr bool
	}{
		{"valid property", Property{ID: "p1", OwnerID: "a1", Name: "Elm"}, false},
		{"property without name", Property{ID: "p1", OwnerID: "a1", Name: "  "}, true},
		{"property without owner", Property{ID: "p1", Name: "Elm"}, true},
		{"valid unit", Unit{ID: "u1", PropertyID: "p1", Label: "2B"}, false},
		{"unit negative rent", Unit{ID: "u1", PropertyID: "p1", Label: "2B", RentCents: -1}, true},
		{"valid lease", Lease{ID: "l1", PropertyID: "p1", UnitID: "u1", TenantEmail: "t@x.io", Status: LeaseDraft}, false},
		{"lease bad email", Lease{ID: "l1", PropertyID: "p1", UnitID: "u1", TenantEmail: "nope", Status: LeaseDraft}, true},
		{"lease ends before start", Lease{ID: "l1", PropertyID: "p1", UnitID: "u1", TenantEmail: "t@x.io", Status: LeaseDraft, StartsOn: start, EndsOn: &before}, true},
		{"lease unknown status", Lease{ID: "l1", PropertyID: "p1", UnitID: "u1", TenantEmail: "t@x.io", Status: "paused"}, true},
		{"valid maintenance", MaintenanceRequest{ID: "m1", PropertyID: "p1", FiledBy: "a1", Title: "Leak", Status: MaintenancePending}, false},
		{"maintenance negative attachment", MaintenanceRequest{ID: "m1", PropertyID: "p1", FiledBy: "a1", Title: "Leak", Status: MaintenancePending, AttachmentBytes: -5}, true},
		{"valid conversation", Conversation{ID: "c1", PropertyID: "p1", StartedBy: "a1"}, false},
		{"valid message", Message{ID: "x1", ConversationID: "c1", PropertyID: "p1", SenderID: "a1", Body: "hi"}, false},
		{"empty message", Message{ID: "x1", ConversationID: "c1", PropertyID: "p1", SenderID: "a1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.row.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedRow)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTouchKeepsCreatedAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)

	p := Property{ID: "p1", CreatedAt: created}.Touch(now)
	assert.Equal(t, created, p.CreatedAt)
	assert.Equal(t, now, p.UpdatedAt)

	u := Unit{ID: "u1"}.Touch(now)
	assert.Equal(t, now, u.CreatedAt)
	assert.Equal(t, now, u.UpdatedAt)
}

func TestLeaseTouchCopiesEndsOn(t *testing.T) {
	ends := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Lease{ID: "l1", EndsOn: &ends}
	touched := l.Touch(time.Now())

	ends = ends.Add(time.Hour)
	assert.NotEqual(t, ends, *touched.EndsOn)
}

func TestBillingUpdate(t *testing.T) {
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := BillingUpdate{EventID: "evt_1", AccountID: "a1", NewPlan: PlanPremium, NewStatus: StatusActive, OccurredAt: occurred}
	require.NoError(t, u.Validate())

	acct := Account{ID: "a1", Plan: PlanFree, SubscriptionStatus: StatusActive}
	now := occurred.Add(time.Second)
	updated := u.ApplyTo(acct, now)

	assert.Equal(t, PlanPremium, updated.Plan)
	assert.Equal(t, occurred, updated.BillingEventAt)
	assert.Equal(t, now, updated.UpdatedAt)
	assert.Equal(t, PlanFree, acct.Plan, "original snapshot must not change")

	bad := u
	bad.NewPlan = "gold"
	assert.ErrorIs(t, bad.Validate(), ErrMalformedRow)

	bad = u
	bad.EventID = ""
	assert.ErrorIs(t, bad.Validate(), ErrMalformedRow)
}

func TestAccountValidate(t *testing.T) {
	tests := []struct {
		name    string
		acct    Account
		wantErr bool
	}{
		{"owner", Account{ID: "a1", Role: RoleOwner, Plan: PlanFree, SubscriptionStatus: StatusActive}, false},
		{"tenant", Account{ID: "a1", Role: RoleTenant, Plan: PlanFree, SubscriptionStatus: StatusActive}, false},
		{"role unset", Account{ID: "a1", Plan: PlanPremium, SubscriptionStatus: StatusTrialing}, false},
		{"unknown role", Account{ID: "a1", Role: "root", Plan: PlanFree, SubscriptionStatus: StatusActive}, true},
		{"unknown plan", Account{ID: "a1", Role: RoleOwner, Plan: "gold", SubscriptionStatus: StatusActive}, true},
		{"missing id", Account{Role: RoleOwner, Plan: PlanFree, SubscriptionStatus: StatusActive}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.acct.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRow)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.Equal(t, RoleOwner, Account{ID: "a1"}.WithDefaultRole().Role)
	assert.Equal(t, RoleAdmin, Account{ID: "a1", Role: RoleAdmin}.WithDefaultRole().Role)
}

func TestSubscriptionStatusInGoodStanding(t *testing.T) {
	assert.True(t, StatusActive.InGoodStanding())
	assert.True(t, StatusTrialing.InGoodStanding())
	assert.False(t, StatusPastDue.InGoodStanding())
	assert.False(t, StatusCancelled.InGoodStanding())
}

func TestErrorHelpers(t *testing.T) {
	var err error = &QuotaDeniedError{Kind: KindProperty, Limit: 1, Plan: PlanFree}
	wrapped := errors.Join(errors.New("create property"), err)

	assert.True(t, IsQuotaDenied(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.Contains(t, err.Error(), "free")

	fe := &FetchError{Table: "units", Scope: "p1", Err: ErrNotFound}
	assert.ErrorIs(t, fe, ErrNotFound)
	assert.Equal(t, "fetch units[p1]: not found", fe.Error())

	assert.True(t, IsConflict(&ConflictError{Table: "leases", Constraint: "one_active_lease_per_unit"}))
}
