package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

var (
	// ErrInvalidSignature is returned when a webhook fails signature verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingMetadata is returned when an event lacks the account or plan metadata
	ErrMissingMetadata = errors.New("missing billing metadata")
)

// Metadata keys set on Stripe subscriptions at checkout
const (
	MetadataAccountID = "account_id"
	MetadataPlan      = "plan"
)

// Stripe event types that change entitlements
const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// StripeAdapter turns signed Stripe webhooks into billing updates
type StripeAdapter struct {
	webhookSecret string
	tolerance     time.Duration
}

// NewStripeAdapter creates a new StripeAdapter
func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{webhookSecret: webhookSecret, tolerance: webhook.DefaultTolerance}
}

// Parse verifies the Stripe-Signature header and maps the event. The second
// result is false for event types that do not affect entitlements.
func (a *StripeAdapter) Parse(payload []byte, signature string) (domain.BillingUpdate, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.BillingUpdate{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return domain.BillingUpdate{}, false, fmt.Errorf("%w: event %s has no data", domain.ErrMalformedRow, event.ID)
	}

	u := domain.BillingUpdate{
		EventID:    event.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return domain.BillingUpdate{}, false, fmt.Errorf("%w: subscription: %v", domain.ErrMalformedRow, err)
		}
		u.AccountID = sub.Metadata[MetadataAccountID]
		u.NewPlan = domain.Plan(sub.Metadata[MetadataPlan])
		u.NewStatus = mapSubscriptionStatus(sub.Status)
		if string(event.Type) == EventSubscriptionDeleted {
			u.NewPlan = domain.PlanFree
			u.NewStatus = domain.StatusCancelled
		}

	case EventInvoicePaymentFailed:
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return domain.BillingUpdate{}, false, fmt.Errorf("%w: invoice: %v", domain.ErrMalformedRow, err)
		}
		md := inv.metadata()
		u.AccountID = md[MetadataAccountID]
		u.NewPlan = domain.Plan(md[MetadataPlan])
		u.NewStatus = domain.StatusPastDue

	default:
		return domain.BillingUpdate{}, false, nil
	}

	if u.AccountID == "" || u.NewPlan == "" {
		return domain.BillingUpdate{}, false, fmt.Errorf("%w: event %s", ErrMissingMetadata, event.ID)
	}
	return u, true, u.Validate()
}

// invoicePayload reads subscription metadata from either the current
// parent.subscription_details shape or the older top-level one
type invoicePayload struct {
	Metadata map[string]string `json:"metadata"`
	Parent   *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
}

type subscriptionDetails struct {
	Metadata map[string]string `json:"metadata"`
}

func (p invoicePayload) metadata() map[string]string {
	switch {
	case p.Parent != nil && p.Parent.SubscriptionDetails != nil && len(p.Parent.SubscriptionDetails.Metadata) > 0:
		return p.Parent.SubscriptionDetails.Metadata
	case p.SubscriptionDetails != nil && len(p.SubscriptionDetails.Metadata) > 0:
		return p.SubscriptionDetails.Metadata
	}
	return p.Metadata
}

func mapSubscriptionStatus(s stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return domain.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return domain.StatusTrialing
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return domain.StatusCancelled
	}
	// past_due, unpaid, incomplete, paused
	return domain.StatusPastDue
}
