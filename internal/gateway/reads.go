package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// maxWait caps long-poll reads
const maxWait = 30 * time.Second

// ReadOptions controls a collection read. With AfterVersion set the read
// waits up to Wait for the collection to move past that version.
type ReadOptions struct {
	AfterVersion uint64
	Wait         time.Duration
}

func read[T domain.Record[T]](ctx context.Context, reg *collection.Registry[T], scope string, ro ReadOptions) (collection.View[T], error) {
	coll, release, err := reg.Acquire(ctx, scope)
	if err != nil {
		return collection.View[T]{}, err
	}
	defer release()

	if ro.AfterVersion == 0 || ro.Wait <= 0 || coll.Version() > ro.AfterVersion {
		return coll.Snapshot(), nil
	}

	wait := ro.Wait
	if wait > maxWait {
		wait = maxWait
	}
	changes, stop := coll.Watch()
	defer stop()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for coll.Version() <= ro.AfterVersion {
		select {
		case _, ok := <-changes:
			if !ok {
				return coll.Snapshot(), nil
			}
		case <-timer.C:
			return coll.Snapshot(), nil
		case <-ctx.Done():
			return collection.View[T]{}, ctx.Err()
		}
	}
	return coll.Snapshot(), nil
}

// ListProperties returns the properties of ownerID; "" means the caller
func (g *Gateway) ListProperties(ctx context.Context, ownerID string, ro ReadOptions) (collection.View[domain.Property], error) {
	who, err := caller(ctx)
	if err != nil {
		return collection.View[domain.Property]{}, err
	}
	if ownerID == "" {
		ownerID = who.AccountID
	}
	if ownerID != who.AccountID && who.Role != domain.RoleAdmin {
		return collection.View[domain.Property]{}, fmt.Errorf("account %s: %w", ownerID, domain.ErrForbidden)
	}
	return read(ctx, g.store.Properties, ownerID, ro)
}

// ListUnits returns the units of a property
func (g *Gateway) ListUnits(ctx context.Context, propertyID string, ro ReadOptions) (collection.View[domain.Unit], error) {
	if _, _, err := g.memberProperty(ctx, propertyID); err != nil {
		return collection.View[domain.Unit]{}, err
	}
	return read(ctx, g.store.Units, propertyID, ro)
}

// ListLeases returns the leases of a property. Tenants only see their own.
func (g *Gateway) ListLeases(ctx context.Context, propertyID string, ro ReadOptions) (collection.View[domain.Lease], error) {
	who, p, err := g.memberProperty(ctx, propertyID)
	if err != nil {
		return collection.View[domain.Lease]{}, err
	}
	view, err := read(ctx, g.store.Leases, propertyID, ro)
	if err != nil || requireOwner(who, p) == nil {
		return view, err
	}
	own := view.Items[:0:0]
	for _, it := range view.Items {
		if it.Row.TenantID == who.AccountID {
			own = append(own, it)
		}
	}
	view.Items = own
	return view, nil
}

// ListMaintenanceRequests returns the maintenance requests of a property
func (g *Gateway) ListMaintenanceRequests(ctx context.Context, propertyID string, ro ReadOptions) (collection.View[domain.MaintenanceRequest], error) {
	if _, _, err := g.memberProperty(ctx, propertyID); err != nil {
		return collection.View[domain.MaintenanceRequest]{}, err
	}
	return read(ctx, g.store.Maintenance, propertyID, ro)
}

// ListConversations returns the conversations of a property
func (g *Gateway) ListConversations(ctx context.Context, propertyID string, ro ReadOptions) (collection.View[domain.Conversation], error) {
	if _, _, err := g.memberProperty(ctx, propertyID); err != nil {
		return collection.View[domain.Conversation]{}, err
	}
	return read(ctx, g.store.Conversations, propertyID, ro)
}

// ListMessages returns the messages of a conversation in send order
func (g *Gateway) ListMessages(ctx context.Context, propertyID, conversationID string, ro ReadOptions) (collection.View[domain.Message], error) {
	_, p, err := g.memberProperty(ctx, propertyID)
	if err != nil {
		return collection.View[domain.Message]{}, err
	}
	if _, err := g.conversation(ctx, p, conversationID); err != nil {
		return collection.View[domain.Message]{}, err
	}
	return read(ctx, g.store.Messages, conversationID, ro)
}
