package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/quota"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// usageFanOut caps concurrent scope acquisitions per usage read
const usageFanOut = 8

// ownerProperties returns the visible properties of owner from a ready collection
func (g *Gateway) ownerProperties(ctx context.Context, ownerID string) ([]domain.Property, error) {
	coll, release, err := g.store.Properties.Acquire(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer release()
	if _, err := coll.Usage(collection.Count[domain.Property]); err != nil {
		return nil, err
	}
	return coll.Rows(), nil
}

// sumScopes sums weight over every scope of a registry concurrently. Any
// scope that is not ready fails the whole sum.
func sumScopes[T domain.Record[T]](ctx context.Context, reg *collection.Registry[T], scopes []string, weight func(T) int64) (int64, error) {
	var total atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(usageFanOut)
	for _, scope := range scopes {
		eg.Go(func() error {
			coll, release, err := reg.Acquire(ctx, scope)
			if err != nil {
				return err
			}
			defer release()
			n, err := coll.Usage(weight)
			if err != nil {
				return fmt.Errorf("%s[%s]: %w", reg.Table(), scope, err)
			}
			total.Add(n)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// scopeRows collects visible rows of every scope concurrently
func scopeRows[T domain.Record[T]](ctx context.Context, reg *collection.Registry[T], scopes []string) ([]T, error) {
	results := make([][]T, len(scopes))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(usageFanOut)
	for i, scope := range scopes {
		eg.Go(func() error {
			coll, release, err := reg.Acquire(ctx, scope)
			if err != nil {
				return err
			}
			defer release()
			if _, err := coll.Usage(collection.Count[T]); err != nil {
				return fmt.Errorf("%s[%s]: %w", reg.Table(), scope, err)
			}
			results[i] = coll.Rows()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var out []T
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}

func propertyIDs(props []domain.Property) []string {
	ids := make([]string, len(props))
	for i, p := range props {
		ids[i] = p.ID
	}
	return ids
}

func (g *Gateway) propertyUsage(ctx context.Context, ownerID string) (int64, error) {
	coll, release, err := g.store.Properties.Acquire(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	defer release()
	return coll.Usage(collection.Count[domain.Property])
}

func (g *Gateway) unitUsage(ctx context.Context, ownerID string) (int64, error) {
	props, err := g.ownerProperties(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return sumScopes(ctx, g.store.Units, propertyIDs(props), collection.Count[domain.Unit])
}

func residentWeight(l domain.Lease) int64 {
	if l.OccupiesResidentSlot() {
		return 1
	}
	return 0
}

func (g *Gateway) residentUsage(ctx context.Context, ownerID string) (int64, error) {
	props, err := g.ownerProperties(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return sumScopes(ctx, g.store.Leases, propertyIDs(props), residentWeight)
}

// storageUsage sums attachment bytes over the owner's maintenance requests
// and the messages of every conversation on the owner's properties
func (g *Gateway) storageUsage(ctx context.Context, ownerID string) (int64, error) {
	props, err := g.ownerProperties(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	ids := propertyIDs(props)

	var maintenance, messages int64
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		n, err := sumScopes(ectx, g.store.Maintenance, ids, func(m domain.MaintenanceRequest) int64 { return m.AttachmentBytes })
		maintenance = n
		return err
	})
	eg.Go(func() error {
		convs, err := scopeRows(ectx, g.store.Conversations, ids)
		if err != nil {
			return err
		}
		convIDs := make([]string, len(convs))
		for i, c := range convs {
			convIDs[i] = c.ID
		}
		n, err := sumScopes(ectx, g.store.Messages, convIDs, func(m domain.Message) int64 { return m.AttachmentBytes })
		messages = n
		return err
	})
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	return maintenance + messages, nil
}

// Usage reports plan, limits and current usage for accountID. Owners read
// their own report; admins may read any.
func (g *Gateway) Usage(ctx context.Context, accountID string) (quota.Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.usage")
	defer span.End()

	who, err := caller(ctx)
	if err != nil {
		return quota.Report{}, err
	}
	if accountID == "" {
		accountID = who.AccountID
	}
	if who.AccountID != accountID && who.Role != domain.RoleAdmin {
		return quota.Report{}, fmt.Errorf("account %s: %w", accountID, domain.ErrForbidden)
	}

	acct, err := g.sessions.Snapshot(ctx, accountID)
	if err != nil {
		return quota.Report{}, err
	}

	var usage quota.Usage
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) { usage.Properties, err = g.propertyUsage(ectx, accountID); return })
	eg.Go(func() (err error) { usage.Units, err = g.unitUsage(ectx, accountID); return })
	eg.Go(func() (err error) { usage.Residents, err = g.residentUsage(ectx, accountID); return })
	eg.Go(func() (err error) { usage.StorageBytes, err = g.storageUsage(ectx, accountID); return })
	if err := eg.Wait(); err != nil {
		telemetry.SetSpanError(ctx, err)
		return quota.Report{}, err
	}
	return quota.NewReport(acct, usage), nil
}
