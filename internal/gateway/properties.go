package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// PropertyInput is the payload of CreateProperty
type PropertyInput struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// PropertyPatch changes the fields that are set
type PropertyPatch struct {
	Name    *string `json:"name,omitempty"`
	Address *string `json:"address,omitempty"`
}

// CreateProperty creates a property owned by the caller. Admins may create
// on behalf of ownerID; everyone else passes "" or their own id.
func (g *Gateway) CreateProperty(ctx context.Context, ownerID string, in PropertyInput, opts ...Option) (domain.Property, error) {
	who, err := caller(ctx)
	if err != nil {
		return domain.Property{}, err
	}
	if ownerID == "" {
		ownerID = who.AccountID
	}
	switch {
	case who.Role == domain.RoleAdmin:
	case who.Role == domain.RoleOwner && ownerID == who.AccountID:
	default:
		return domain.Property{}, fmt.Errorf("create property: %w", domain.ErrForbidden)
	}

	row := domain.Property{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    strings.TrimSpace(in.Name),
		Address: strings.TrimSpace(in.Address),
	}.Touch(backend.Now())
	if err := row.Validate(); err != nil {
		return domain.Property{}, err
	}

	return runCreate(ctx, g, createSpec[domain.Property]{
		op:       "create_property",
		ownerID:  ownerID,
		registry: g.store.Properties,
		table:    g.backend.Properties,
		row:      row,
		quota: &quotaCheck{
			kind:  domain.KindProperty,
			usage: func(ctx context.Context) (int64, error) { return g.propertyUsage(ctx, ownerID) },
		},
		opts: applyOptions(opts),
	})
}

// UpdateProperty applies patch to a property the caller owns
func (g *Gateway) UpdateProperty(ctx context.Context, propertyID string, patch PropertyPatch, opts ...Option) (domain.Property, error) {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return domain.Property{}, err
	}
	return runUpdate(ctx, g, updateSpec[domain.Property]{
		op:       "update_property",
		registry: g.store.Properties,
		table:    g.backend.Properties,
		scope:    p.OwnerID,
		id:       p.ID,
		mutate: func(cur domain.Property) (domain.Property, error) {
			if patch.Name != nil {
				cur.Name = strings.TrimSpace(*patch.Name)
			}
			if patch.Address != nil {
				cur.Address = strings.TrimSpace(*patch.Address)
			}
			return cur, cur.Validate()
		},
		opts: applyOptions(opts),
	})
}

// DeleteProperty removes a property the caller owns. A property that still
// has units is rejected; units are deleted first.
func (g *Gateway) DeleteProperty(ctx context.Context, propertyID string) error {
	_, p, err := g.ownedProperty(ctx, propertyID)
	if err != nil {
		return err
	}
	return runRemove(ctx, g, removeSpec[domain.Property]{
		op:       "delete_property",
		registry: g.store.Properties,
		table:    g.backend.Properties,
		scope:    p.OwnerID,
		id:       p.ID,
		check: func(domain.Property) error {
			units, err := scopeRows(ctx, g.store.Units, []string{p.ID})
			if err != nil {
				return err
			}
			if len(units) > 0 {
				return &domain.ConflictError{
					Table:      string(domain.TableProperties),
					Constraint: "units_property_id_fkey",
					Detail:     fmt.Sprintf("property still has %d units", len(units)),
				}
			}
			return nil
		},
	})
}
