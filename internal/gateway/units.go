package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// UnitInput is the payload of CreateUnit
type UnitInput struct {
	Label     string `json:"label"`
	Bedrooms  int    `json:"bedrooms"`
	RentCents int64  `json:"rent_cents"`
}

// UnitPatch changes the fields that are set
type UnitPatch struct {
	Label     *string `json:"label,omitempty"`
	Bedrooms  *int    `json:"bedrooms,omitempty"`
	RentCents *int64  `json:"rent_cents,omitempty"`
}

// CreateUnit adds a unit to a property the caller owns. Units count against
// the owner's resident limit.
func (g *Gateway) CreateUnit(ctx context.Context, propertyID string, in UnitInput, opts ...Option) (domain.Unit, error) {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return domain.Unit{}, err
	}

	row := domain.Unit{
		ID:         uuid.NewString(),
		PropertyID: p.ID,
		Label:      strings.TrimSpace(in.Label),
		Bedrooms:   in.Bedrooms,
		RentCents:  in.RentCents,
	}.Touch(backend.Now())
	if err := row.Validate(); err != nil {
		return domain.Unit{}, err
	}

	return runCreate(ctx, g, createSpec[domain.Unit]{
		op:       "create_unit",
		ownerID:  p.OwnerID,
		registry: g.store.Units,
		table:    g.backend.Units,
		row:      row,
		quota: &quotaCheck{
			kind:  domain.KindResident,
			usage: func(ctx context.Context) (int64, error) { return g.unitUsage(ctx, p.OwnerID) },
		},
		opts: applyOptions(opts),
	})
}

// UpdateUnit applies patch to a unit of a property the caller owns
func (g *Gateway) UpdateUnit(ctx context.Context, propertyID, unitID string, patch UnitPatch, opts ...Option) (domain.Unit, error) {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return domain.Unit{}, err
	}
	return runUpdate(ctx, g, updateSpec[domain.Unit]{
		op:       "update_unit",
		registry: g.store.Units,
		table:    g.backend.Units,
		scope:    p.ID,
		id:       unitID,
		mutate: func(cur domain.Unit) (domain.Unit, error) {
			if patch.Label != nil {
				cur.Label = strings.TrimSpace(*patch.Label)
			}
			if patch.Bedrooms != nil {
				cur.Bedrooms = *patch.Bedrooms
			}
			if patch.RentCents != nil {
				cur.RentCents = *patch.RentCents
			}
			return cur, cur.Validate()
		},
		opts: applyOptions(opts),
	})
}

// DeleteUnit removes a unit that has no lease left open
func (g *Gateway) DeleteUnit(ctx context.Context, propertyID, unitID string) error {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return err
	}
	return runRemove(ctx, g, removeSpec[domain.Unit]{
		op:       "delete_unit",
		registry: g.store.Units,
		table:    g.backend.Units,
		scope:    p.ID,
		id:       unitID,
		check: func(domain.Unit) error {
			leases, err := scopeRows(ctx, g.store.Leases, []string{p.ID})
			if err != nil {
				return err
			}
			for _, l := range leases {
				if l.UnitID == unitID && l.OccupiesResidentSlot() {
					return &domain.ConflictError{
						Table:      string(domain.TableUnits),
						Constraint: "leases_unit_id_fkey",
						Detail:     fmt.Sprintf("lease %s is %s", l.ID, l.Status),
					}
				}
			}
			return nil
		},
	})
}

// unit resolves a unit of property p from its collection
func (g *Gateway) unit(ctx context.Context, p domain.Property, unitID string) (domain.Unit, error) {
	coll, release, err := g.store.Units.Acquire(ctx, p.ID)
	if err != nil {
		return domain.Unit{}, err
	}
	defer release()
	if err := coll.Err(); err != nil {
		return domain.Unit{}, err
	}
	u, ok := coll.Get(unitID)
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", unitID, domain.ErrNotFound)
	}
	return u, nil
}
