package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// LeaseInput is the payload of CreateLease, the tenant invitation
type LeaseInput struct {
	UnitID      string     `json:"unit_id"`
	TenantEmail string     `json:"tenant_email"`
	TenantID    string     `json:"tenant_id,omitempty"`
	StartsOn    time.Time  `json:"starts_on"`
	EndsOn      *time.Time `json:"ends_on,omitempty"`
	RentCents   int64      `json:"rent_cents"`
}

// CreateLease invites a tenant to a unit with a draft lease. Leases that have
// not ended count against the owner's resident limit.
func (g *Gateway) CreateLease(ctx context.Context, propertyID string, in LeaseInput, opts ...Option) (domain.Lease, error) {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return domain.Lease{}, err
	}
	u, err := g.unit(ctx, p, in.UnitID)
	if err != nil {
		return domain.Lease{}, err
	}

	rent := in.RentCents
	if rent == 0 {
		rent = u.RentCents
	}
	row := domain.Lease{
		ID:          uuid.NewString(),
		PropertyID:  p.ID,
		UnitID:      u.ID,
		TenantEmail: strings.ToLower(strings.TrimSpace(in.TenantEmail)),
		TenantID:    in.TenantID,
		Status:      domain.LeaseDraft,
		StartsOn:    in.StartsOn,
		EndsOn:      in.EndsOn,
		RentCents:   rent,
	}.Touch(backend.Now())
	if err := row.Validate(); err != nil {
		return domain.Lease{}, err
	}

	return runCreate(ctx, g, createSpec[domain.Lease]{
		op:       "create_lease",
		ownerID:  p.OwnerID,
		registry: g.store.Leases,
		table:    g.backend.Leases,
		row:      row,
		quota: &quotaCheck{
			kind:  domain.KindResident,
			usage: func(ctx context.Context) (int64, error) { return g.residentUsage(ctx, p.OwnerID) },
		},
		opts: applyOptions(opts),
	})
}

// ActivateLease moves a draft lease to active. A unit holds at most one
// active lease; the check against the cached collection only short-circuits
// the common case and the backend's unique index decides concurrent races.
func (g *Gateway) ActivateLease(ctx context.Context, propertyID, leaseID string, opts ...Option) (domain.Lease, error) {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return domain.Lease{}, err
	}
	return g.transitionLease(ctx, p, leaseID, domain.LeaseActive, "activate_lease", func(cur domain.Lease) error {
		coll, ok := g.store.Leases.Peek(p.ID)
		if !ok {
			return nil
		}
		for _, other := range coll.Rows() {
			if other.ID != cur.ID && other.UnitID == cur.UnitID && other.Status == domain.LeaseActive {
				return &domain.ConflictError{
					Table:      string(domain.TableLeases),
					Constraint: backend.ConstraintOneActiveLease,
					Detail:     "unit already has active lease " + other.ID,
				}
			}
		}
		return nil
	}, opts)
}

// EndLease ends a draft or active lease, freeing its resident slot
func (g *Gateway) EndLease(ctx context.Context, propertyID, leaseID string, opts ...Option) (domain.Lease, error) {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return domain.Lease{}, err
	}
	return g.transitionLease(ctx, p, leaseID, domain.LeaseEnded, "end_lease", nil, opts)
}

func (g *Gateway) transitionLease(ctx context.Context, p domain.Property, leaseID string, to domain.LeaseStatus, op string, check func(domain.Lease) error, opts []Option) (domain.Lease, error) {
	return runUpdate(ctx, g, updateSpec[domain.Lease]{
		op:       op,
		registry: g.store.Leases,
		table:    g.backend.Leases,
		scope:    p.ID,
		id:       leaseID,
		mutate: func(cur domain.Lease) (domain.Lease, error) {
			if !cur.Status.CanTransitionTo(to) {
				return cur, &domain.InvalidTransitionError{Entity: "lease", From: string(cur.Status), To: string(to)}
			}
			if check != nil {
				if err := check(cur); err != nil {
					return cur, err
				}
			}
			cur.Status = to
			if to == domain.LeaseEnded && cur.EndsOn == nil {
				ended := g.now().UTC()
				if !cur.StartsOn.IsZero() && ended.Before(cur.StartsOn) {
					ended = cur.StartsOn
				}
				cur.EndsOn = &ended
			}
			return cur, nil
		},
		opts: applyOptions(opts),
	})
}
