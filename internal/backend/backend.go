// Package backend is the data boundary: scoped reads, single-row reads and
// writes against the system of record.
package backend

import (
	"context"
	"time"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

// Table is the data boundary for one row type
type Table[T domain.Record[T]] interface {
	// Name returns the table name used by the change feed
	Name() domain.Table
	// FetchScope returns every row whose scope key equals scope
	FetchScope(ctx context.Context, scope string) ([]T, error)
	// Get returns one row or domain.ErrNotFound
	Get(ctx context.Context, id string) (T, error)
	// Insert stores a new row and returns it with server timestamps
	Insert(ctx context.Context, row T) (T, error)
	// Update replaces a row if its stored updated_at equals expected
	Update(ctx context.Context, row T, expected time.Time) (T, error)
	// Delete removes a row
	Delete(ctx context.Context, id string) error
}

// AccountRepository stores account billing state
type AccountRepository interface {
	// GetAccount returns the account or domain.ErrNotFound
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	// CreateAccount stores a new account
	CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error)
	// ApplyBilling stores the update unless an event with a later occurrence
	// time was already applied, in which case it returns domain.ErrStaleEvent
	ApplyBilling(ctx context.Context, u domain.BillingUpdate) (domain.Account, error)
}

// Backend bundles every table the sync layer works with
type Backend struct {
	Accounts      AccountRepository
	Properties    Table[domain.Property]
	Units         Table[domain.Unit]
	Leases        Table[domain.Lease]
	Maintenance   Table[domain.MaintenanceRequest]
	Conversations Table[domain.Conversation]
	Messages      Table[domain.Message]
}

// Constraint names shared by both implementations
const (
	ConstraintPrimaryKey      = "pkey"
	ConstraintOneActiveLease  = "leases_one_active_per_unit"
	ConstraintAccountsPrimary = "accounts_pkey"
	activeLeaseConflictDetail = "unit already has an active lease"
	timestampPrecision        = time.Microsecond
)

// Now returns the current time at the precision the database stores
func Now() time.Time {
	return time.Now().UTC().Truncate(timestampPrecision)
}
