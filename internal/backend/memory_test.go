package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

func newProperty(id, owner string) domain.Property {
	return domain.Property{ID: id, OwnerID: owner, Name: "Building " + id, Address: "1 Main St"}
}

func newLease(id, unit string, status domain.LeaseStatus) domain.Lease {
	return domain.Lease{
		ID:          id,
		PropertyID:  "prop-1",
		UnitID:      unit,
		TenantEmail: id + "@example.com",
		Status:      status,
		StartsOn:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryTable_InsertGetFetch(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	first, err := table.Insert(ctx, newProperty("b", "owner-1"))
	require.NoError(t, err)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	_, err = table.Insert(ctx, newProperty("a", "owner-1"))
	require.NoError(t, err)
	_, err = table.Insert(ctx, newProperty("c", "owner-2"))
	require.NoError(t, err)

	got, err := table.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	rows, err := table.FetchScope(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].ID, "ordered by created_at")
	assert.Equal(t, "a", rows[1].ID)

	empty, err := table.FetchScope(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestMemoryTable_InsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	_, err := table.Insert(ctx, newProperty("p1", "owner-1"))
	require.NoError(t, err)

	_, err = table.Insert(ctx, newProperty("p1", "owner-1"))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "properties_pkey", conflict.Constraint)
	assert.Equal(t, 1, table.Len())
}

func TestMemoryTable_InsertRejectsMalformed(t *testing.T) {
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	_, err := table.Insert(context.Background(), domain.Property{ID: "p1"})
	assert.ErrorIs(t, err, domain.ErrMalformedRow)
	assert.Equal(t, 0, table.Len())
}

func TestMemoryTable_GetMissing(t *testing.T) {
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	_, err := table.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryTable_UpdateOptimistic(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	stored, err := table.Insert(ctx, newProperty("p1", "owner-1"))
	require.NoError(t, err)

	edit := stored
	edit.Name = "Renamed"
	updated, err := table.Update(ctx, edit, stored.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.True(t, updated.UpdatedAt.After(stored.UpdatedAt), "updated_at strictly increases")
	assert.Equal(t, stored.CreatedAt, updated.CreatedAt)

	// second writer still holds the old version
	edit.Name = "Lost"
	_, err = table.Update(ctx, edit, stored.UpdatedAt)
	var stale *domain.StaleWriteError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "p1", stale.ID)

	current, err := table.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", current.Name)
}

func TestMemoryTable_UpdateMissing(t *testing.T) {
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	_, err := table.Update(context.Background(), newProperty("p1", "owner-1"), time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryTable_Delete(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)

	_, err := table.Insert(ctx, newProperty("p1", "owner-1"))
	require.NoError(t, err)

	require.NoError(t, table.Delete(ctx, "p1"))
	assert.ErrorIs(t, table.Delete(ctx, "p1"), domain.ErrNotFound)
	assert.Equal(t, 0, table.Len())
}

func TestMemoryTable_OneActiveLeasePerUnit(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable[domain.Lease](domain.TableLeases, nil, OneActiveLeasePerUnit())

	a, err := table.Insert(ctx, newLease("lease-a", "unit-1", domain.LeaseDraft))
	require.NoError(t, err)
	b, err := table.Insert(ctx, newLease("lease-b", "unit-1", domain.LeaseDraft))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i, l := range []domain.Lease{a, b} {
		wg.Add(1)
		go func(i int, l domain.Lease) {
			defer wg.Done()
			active := l
			active.Status = domain.LeaseActive
			_, results[i] = table.Update(ctx, active, l.UpdatedAt)
		}(i, l)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case domain.IsConflict(err):
			conflicts++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	// a different unit is unaffected
	other, err := table.Insert(ctx, newLease("lease-c", "unit-2", domain.LeaseActive))
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseActive, other.Status)
}

func TestMemoryTable_PublishesNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := changefeed.NewMemoryBroker()
	defer broker.Close()
	events, err := broker.Subscribe(ctx, domain.TableProperties)
	require.NoError(t, err)

	table := NewMemoryTable[domain.Property](domain.TableProperties, broker)
	stored, err := table.Insert(ctx, newProperty("p1", "owner-1"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.False(t, ev.Resync)
		assert.Equal(t, changefeed.OpInsert, ev.Notification.Op)
		assert.Equal(t, "p1", ev.Notification.ID)
		assert.Equal(t, "owner-1", ev.Notification.Scope)
		assert.Equal(t, stored.UpdatedAt, ev.Notification.UpdatedAt)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestMemoryTable_WriteHook(t *testing.T) {
	t.Run("error fails the write", func(t *testing.T) {
		table := NewMemoryTable[domain.Property](domain.TableProperties, nil)
		boom := errors.New("backend down")
		table.SetWriteHook(func(ctx context.Context, op changefeed.Op, id string) error { return boom })

		_, err := table.Insert(context.Background(), newProperty("p1", "owner-1"))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("late commit after caller deadline", func(t *testing.T) {
		table := NewMemoryTable[domain.Property](domain.TableProperties, nil)
		table.SetWriteHook(func(ctx context.Context, op changefeed.Op, id string) error {
			<-ctx.Done()
			return nil
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := table.Insert(ctx, newProperty("p1", "owner-1"))
		assert.NoError(t, err)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("cancelled context without hook", func(t *testing.T) {
		table := NewMemoryTable[domain.Property](domain.TableProperties, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := table.Insert(ctx, newProperty("p1", "owner-1"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryTable_FetchHook(t *testing.T) {
	table := NewMemoryTable[domain.Property](domain.TableProperties, nil)
	boom := errors.New("read replica lagging")
	table.SetFetchHook(func(ctx context.Context, scope string) error { return boom })

	_, err := table.FetchScope(context.Background(), "owner-1")
	assert.ErrorIs(t, err, boom)

	table.SetFetchHook(nil)
	_, err = table.FetchScope(context.Background(), "owner-1")
	assert.NoError(t, err)
}

func TestMemoryAccounts_ApplyBilling(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccounts()

	created, err := repo.CreateAccount(ctx, domain.Account{
		ID: "acct-1", Email: "owner@example.com",
		Plan: domain.PlanFree, SubscriptionStatus: domain.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, created.Role, "accounts default to the owner role")

	_, err = repo.CreateAccount(ctx, domain.Account{
		ID: "acct-bad", Role: "superuser", Plan: domain.PlanFree, SubscriptionStatus: domain.StatusActive,
	})
	assert.ErrorIs(t, err, domain.ErrMalformedRow)

	_, err = repo.CreateAccount(ctx, domain.Account{
		ID: "acct-1", Email: "owner@example.com",
		Plan: domain.PlanFree, SubscriptionStatus: domain.StatusActive,
	})
	assert.True(t, domain.IsConflict(err))

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acct, err := repo.ApplyBilling(ctx, domain.BillingUpdate{
		EventID: "evt-2", AccountID: "acct-1",
		NewPlan: domain.PlanPremium, NewStatus: domain.StatusActive, OccurredAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, acct.Plan)

	// an older event arriving late does not roll the plan back
	acct, err = repo.ApplyBilling(ctx, domain.BillingUpdate{
		EventID: "evt-1", AccountID: "acct-1",
		NewPlan: domain.PlanFree, NewStatus: domain.StatusActive, OccurredAt: t0,
	})
	assert.ErrorIs(t, err, domain.ErrStaleEvent)
	assert.Equal(t, domain.PlanPremium, acct.Plan)

	_, err = repo.ApplyBilling(ctx, domain.BillingUpdate{EventID: "evt-3", AccountID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_Backend(t *testing.T) {
	mem := NewMemory(nil)
	b := mem.Backend()

	assert.Equal(t, domain.TableProperties, b.Properties.Name())
	assert.Equal(t, domain.TableUnits, b.Units.Name())
	assert.Equal(t, domain.TableLeases, b.Leases.Name())
	assert.Equal(t, domain.TableMaintenance, b.Maintenance.Name())
	assert.Equal(t, domain.TableConversations, b.Conversations.Name())
	assert.Equal(t, domain.TableMessages, b.Messages.Name())
}

func TestNow_Precision(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%int(time.Microsecond))
}
