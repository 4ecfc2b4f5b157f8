package gateway

import (
	"context"
	"fmt"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/session"
)

// caller returns the identity on ctx
func caller(ctx context.Context) (session.Identity, error) {
	return session.FromContext(ctx)
}

// property resolves a property for an authorization decision. The caller's
// own cached collection is consulted first so an owner sees their optimistic
// state; anyone else reads the backend.
func (g *Gateway) property(ctx context.Context, who session.Identity, propertyID string) (domain.Property, error) {
	if propertyID == "" {
		return domain.Property{}, fmt.Errorf("property id is required: %w", domain.ErrMalformedRow)
	}
	if coll, ok := g.store.Properties.Peek(who.AccountID); ok {
		if p, found := coll.Get(propertyID); found {
			return p, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()
	p, err := g.backend.Properties.Get(ctx, propertyID)
	if err != nil {
		return domain.Property{}, err
	}
	return p, nil
}

// requireOwner allows the property owner and admins
func requireOwner(who session.Identity, p domain.Property) error {
	if who.Role == domain.RoleAdmin || p.OwnerID == who.AccountID {
		return nil
	}
	return fmt.Errorf("property %s: %w", p.ID, domain.ErrForbidden)
}

// requireMember allows the owner, admins and tenants holding a lease on the
// property that has not ended
func (g *Gateway) requireMember(ctx context.Context, who session.Identity, p domain.Property) error {
	if requireOwner(who, p) == nil {
		return nil
	}
	if who.Role != domain.RoleTenant {
		return fmt.Errorf("property %s: %w", p.ID, domain.ErrForbidden)
	}

	leases, release, err := g.store.Leases.Acquire(ctx, p.ID)
	if err != nil {
		return err
	}
	defer release()
	if err := leases.Err(); err != nil {
		return err
	}
	for _, l := range leases.Rows() {
		if l.TenantID == who.AccountID && l.OccupiesResidentSlot() {
			return nil
		}
	}
	return fmt.Errorf("property %s: %w", p.ID, domain.ErrForbidden)
}

// ownedProperty resolves propertyID and checks the caller owns it
func (g *Gateway) ownedProperty(ctx context.Context, propertyID string) (session.Identity, domain.Property, error) {
	who, err := caller(ctx)
	if err != nil {
		return who, domain.Property{}, err
	}
	p, err := g.property(ctx, who, propertyID)
	if err != nil {
		return who, domain.Property{}, err
	}
	return who, p, requireOwner(who, p)
}

// memberProperty resolves propertyID and checks the caller may act on it
func (g *Gateway) memberProperty(ctx context.Context, propertyID string) (session.Identity, domain.Property, error) {
	who, err := caller(ctx)
	if err != nil {
		return who, domain.Property{}, err
	}
	p, err := g.property(ctx, who, propertyID)
	if err != nil {
		return who, domain.Property{}, err
	}
	return who, p, g.requireMember(ctx, who, p)
}
