package domain

import (
	"time"
)

// Plan is a subscription tier
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// IsValid returns true if the plan is a known tier
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanPremium, PlanEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus is the payment processor's view of a subscription
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// IsValid returns true if the status is known
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCancelled:
		return true
	}
	return false
}

// InGoodStanding returns false for statuses that lose paid entitlements
func (s SubscriptionStatus) InGoodStanding() bool {
	return s == StatusActive || s == StatusTrialing
}

// Role is the role a user holds for an account
type Role string

const (
	RoleTenant Role = "tenant_user"
	RoleOwner  Role = "property_owner"
	RoleAdmin  Role = "admin"
)

// IsValid reports whether r is a known role
func (r Role) IsValid() bool {
	switch r {
	case RoleTenant, RoleOwner, RoleAdmin:
		return true
	}
	return false
}

// Account is the landlord account snapshot the gateway reads once per operation.
// Values are immutable; a billing change produces a new Account.
type Account struct {
	ID                 string             `json:"id"`
	Email              string             `json:"email"`
	Role               Role               `json:"role"`
	Plan               Plan               `json:"plan"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	// BillingEventAt is the occurrence time of the last applied billing event
	BillingEventAt time.Time `json:"billing_event_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the account snapshot is usable for quota math
func (a Account) Validate() error {
	if a.ID == "" {
		return malformed("accounts", "id is required")
	}
	if a.Role != "" && !a.Role.IsValid() {
		return malformed("accounts", "unknown role "+string(a.Role))
	}
	if !a.Plan.IsValid() {
		return malformed("accounts", "unknown plan "+string(a.Plan))
	}
	if !a.SubscriptionStatus.IsValid() {
		return malformed("accounts", "unknown subscription status "+string(a.SubscriptionStatus))
	}
	return nil
}

// WithDefaultRole returns a with RoleOwner when no role is set. Accounts are
// landlord identities unless created otherwise.
func (a Account) WithDefaultRole() Account {
	if a.Role == "" {
		a.Role = RoleOwner
	}
	return a
}

// BillingUpdate is a plan/status change coming from the payment processor
type BillingUpdate struct {
	EventID    string             `json:"eventId"`
	AccountID  string             `json:"accountId"`
	NewPlan    Plan               `json:"newPlan"`
	NewStatus  SubscriptionStatus `json:"newStatus"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// Validate checks the update before it is applied
func (u BillingUpdate) Validate() error {
	if u.EventID == "" {
		return malformed("billing", "eventId is required")
	}
	if u.AccountID == "" {
		return malformed("billing", "accountId is required")
	}
	if !u.NewPlan.IsValid() {
		return malformed("billing", "unknown plan "+string(u.NewPlan))
	}
	if !u.NewStatus.IsValid() {
		return malformed("billing", "unknown status "+string(u.NewStatus))
	}
	return nil
}

// ApplyTo returns the account with the update applied
func (u BillingUpdate) ApplyTo(a Account, now time.Time) Account {
	a.Plan = u.NewPlan
	a.SubscriptionStatus = u.NewStatus
	a.BillingEventAt = u.OccurredAt
	a.UpdatedAt = now
	return a
}

// ResourceKind is a quota-limited resource
type ResourceKind string

const (
	KindProperty ResourceKind = "property"
	KindResident ResourceKind = "resident"
	KindStorage  ResourceKind = "storage"
)
