package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

// WriteHook runs before a memory write takes the table lock. Returning an
// error fails the write. A hook that sleeps past the caller's deadline and
// returns nil models a write that commits after the caller gave up.
type WriteHook func(ctx context.Context, op changefeed.Op, id string) error

// FetchHook runs before a memory read
type FetchHook func(ctx context.Context, scope string) error

// UniqueRule rejects a write when an existing row conflicts with the candidate
type UniqueRule[T any] struct {
	Constraint string
	Detail     string
	Conflicts  func(existing, candidate T) bool
}

// MemoryTable is an in-memory Table with the same uniqueness and optimistic
// concurrency behaviour as the Postgres implementation
type MemoryTable[T domain.Record[T]] struct {
	name      domain.Table
	unique    []UniqueRule[T]
	publisher changefeed.Publisher

	mu   sync.RWMutex
	rows map[string]T

	hookMu    sync.RWMutex
	writeHook WriteHook
	fetchHook FetchHook
}

// NewMemoryTable creates a new MemoryTable
func NewMemoryTable[T domain.Record[T]](name domain.Table, publisher changefeed.Publisher, unique ...UniqueRule[T]) *MemoryTable[T] {
	if publisher == nil {
		publisher = changefeed.NoopPublisher{}
	}
	return &MemoryTable[T]{
		name:      name,
		unique:    unique,
		publisher: publisher,
		rows:      make(map[string]T),
	}
}

// SetWriteHook installs h for subsequent writes; nil removes it
func (t *MemoryTable[T]) SetWriteHook(h WriteHook) {
	t.hookMu.Lock()
	t.writeHook = h
	t.hookMu.Unlock()
}

// SetFetchHook installs h for subsequent reads; nil removes it
func (t *MemoryTable[T]) SetFetchHook(h FetchHook) {
	t.hookMu.Lock()
	t.fetchHook = h
	t.hookMu.Unlock()
}

func (t *MemoryTable[T]) beforeWrite(ctx context.Context, op changefeed.Op, id string) error {
	t.hookMu.RLock()
	h := t.writeHook
	t.hookMu.RUnlock()
	if h == nil {
		return ctx.Err()
	}
	return h(ctx, op, id)
}

func (t *MemoryTable[T]) beforeFetch(ctx context.Context, scope string) error {
	t.hookMu.RLock()
	h := t.fetchHook
	t.hookMu.RUnlock()
	if h == nil {
		return ctx.Err()
	}
	return h(ctx, scope)
}

// Name returns the table name
func (t *MemoryTable[T]) Name() domain.Table { return t.name }

// FetchScope returns rows of scope ordered by created_at then id
func (t *MemoryTable[T]) FetchScope(ctx context.Context, scope string) ([]T, error) {
	if err := t.beforeFetch(ctx, scope); err != nil {
		return nil, err
	}

	t.mu.RLock()
	out := make([]T, 0)
	for _, row := range t.rows {
		if row.GetScope() == scope {
			out = append(out, row.Touch(row.GetUpdatedAt()))
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].GetCreatedAt(), out[j].GetCreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i].GetID() < out[j].GetID()
	})
	return out, nil
}

// Get returns one row
func (t *MemoryTable[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := t.beforeFetch(ctx, ""); err != nil {
		return zero, err
	}

	t.mu.RLock()
	row, ok := t.rows[id]
	t.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s %s: %w", t.name, id, domain.ErrNotFound)
	}
	// Touch with the stored time returns a copy
	return row.Touch(row.GetUpdatedAt()), nil
}

// Insert stores a new row
func (t *MemoryTable[T]) Insert(ctx context.Context, row T) (T, error) {
	var zero T
	if err := row.Validate(); err != nil {
		return zero, err
	}
	if err := t.beforeWrite(ctx, changefeed.OpInsert, row.GetID()); err != nil {
		return zero, err
	}

	t.mu.Lock()
	if _, exists := t.rows[row.GetID()]; exists {
		t.mu.Unlock()
		return zero, &domain.ConflictError{Table: string(t.name), Constraint: string(t.name) + "_" + ConstraintPrimaryKey}
	}
	if err := t.checkUnique(row); err != nil {
		t.mu.Unlock()
		return zero, err
	}
	stored := row.Touch(Now())
	t.rows[stored.GetID()] = stored
	t.mu.Unlock()

	t.notify(ctx, changefeed.OpInsert, stored)
	return stored, nil
}

// Update replaces a row when its updated_at matches expected
func (t *MemoryTable[T]) Update(ctx context.Context, row T, expected time.Time) (T, error) {
	var zero T
	if err := row.Validate(); err != nil {
		return zero, err
	}
	if err := t.beforeWrite(ctx, changefeed.OpUpdate, row.GetID()); err != nil {
		return zero, err
	}

	t.mu.Lock()
	current, ok := t.rows[row.GetID()]
	if !ok {
		t.mu.Unlock()
		return zero, fmt.Errorf("%s %s: %w", t.name, row.GetID(), domain.ErrNotFound)
	}
	if !current.GetUpdatedAt().Equal(expected) {
		t.mu.Unlock()
		return zero, &domain.StaleWriteError{Table: string(t.name), ID: row.GetID(), Expected: expected}
	}
	if err := t.checkUnique(row); err != nil {
		t.mu.Unlock()
		return zero, err
	}

	now := Now()
	if !now.After(current.GetUpdatedAt()) {
		now = current.GetUpdatedAt().Add(timestampPrecision)
	}
	stored := row.Touch(now)
	t.rows[stored.GetID()] = stored
	t.mu.Unlock()

	t.notify(ctx, changefeed.OpUpdate, stored)
	return stored, nil
}

// Delete removes a row
func (t *MemoryTable[T]) Delete(ctx context.Context, id string) error {
	if err := t.beforeWrite(ctx, changefeed.OpDelete, id); err != nil {
		return err
	}

	t.mu.Lock()
	current, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s %s: %w", t.name, id, domain.ErrNotFound)
	}
	delete(t.rows, id)
	t.mu.Unlock()

	t.notify(ctx, changefeed.OpDelete, current)
	return nil
}

// Len returns the number of stored rows
func (t *MemoryTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *MemoryTable[T]) checkUnique(candidate T) error {
	for _, rule := range t.unique {
		for id, existing := range t.rows {
			if id == candidate.GetID() {
				continue
			}
			if rule.Conflicts(existing, candidate) {
				return &domain.ConflictError{Table: string(t.name), Constraint: rule.Constraint, Detail: rule.Detail}
			}
		}
	}
	return nil
}

func (t *MemoryTable[T]) notify(ctx context.Context, op changefeed.Op, row T) {
	// the write already happened; a dead caller context must not drop the notification
	_ = t.publisher.Publish(context.WithoutCancel(ctx), changefeed.Notification{
		Table:     t.name,
		Op:        op,
		ID:        row.GetID(),
		Scope:     row.GetScope(),
		UpdatedAt: row.GetUpdatedAt(),
	})
}

// OneActiveLeasePerUnit is the uniqueness rule behind lease activation
func OneActiveLeasePerUnit() UniqueRule[domain.Lease] {
	return UniqueRule[domain.Lease]{
		Constraint: ConstraintOneActiveLease,
		Detail:     activeLeaseConflictDetail,
		Conflicts: func(existing, candidate domain.Lease) bool {
			return candidate.Status == domain.LeaseActive &&
				existing.Status == domain.LeaseActive &&
				existing.UnitID == candidate.UnitID
		},
	}
}

// MemoryAccounts is an in-memory AccountRepository
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

// NewMemoryAccounts creates a new MemoryAccounts
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]domain.Account)}
}

// GetAccount returns the account
func (r *MemoryAccounts) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acct, nil
}

// CreateAccount stores a new account
func (r *MemoryAccounts) CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	if err := acct.Validate(); err != nil {
		return domain.Account{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[acct.ID]; exists {
		return domain.Account{}, &domain.ConflictError{Table: "accounts", Constraint: ConstraintAccountsPrimary}
	}
	acct = acct.WithDefaultRole()
	acct.UpdatedAt = Now()
	r.accounts[acct.ID] = acct
	return acct, nil
}

// ApplyBilling stores the update unless a later event was already applied
func (r *MemoryAccounts) ApplyBilling(ctx context.Context, u domain.BillingUpdate) (domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[u.AccountID]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", u.AccountID, domain.ErrNotFound)
	}
	if acct.BillingEventAt.After(u.OccurredAt) {
		return acct, domain.ErrStaleEvent
	}
	acct = u.ApplyTo(acct, Now())
	r.accounts[acct.ID] = acct
	return acct, nil
}

// Memory is a complete in-memory backend
type Memory struct {
	Accounts      *MemoryAccounts
	Properties    *MemoryTable[domain.Property]
	Units         *MemoryTable[domain.Unit]
	Leases        *MemoryTable[domain.Lease]
	Maintenance   *MemoryTable[domain.MaintenanceRequest]
	Conversations *MemoryTable[domain.Conversation]
	Messages      *MemoryTable[domain.Message]
}

// NewMemory creates an in-memory backend that publishes every write to publisher
func NewMemory(publisher changefeed.Publisher) *Memory {
	return &Memory{
		Accounts:      NewMemoryAccounts(),
		Properties:    NewMemoryTable[domain.Property](domain.TableProperties, publisher),
		Units:         NewMemoryTable[domain.Unit](domain.TableUnits, publisher),
		Leases:        NewMemoryTable[domain.Lease](domain.TableLeases, publisher, OneActiveLeasePerUnit()),
		Maintenance:   NewMemoryTable[domain.MaintenanceRequest](domain.TableMaintenance, publisher),
		Conversations: NewMemoryTable[domain.Conversation](domain.TableConversations, publisher),
		Messages:      NewMemoryTable[domain.Message](domain.TableMessages, publisher),
	}
}

// Backend returns the interface view of m
func (m *Memory) Backend() *Backend {
	return &Backend{
		Accounts:      m.Accounts,
		Properties:    m.Properties,
		Units:         m.Units,
		Leases:        m.Leases,
		Maintenance:   m.Maintenance,
		Conversations: m.Conversations,
		Messages:      m.Messages,
	}
}
