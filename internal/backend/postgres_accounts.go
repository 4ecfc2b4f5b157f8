package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

// PostgresAccounts implements AccountRepository using PostgreSQL
type PostgresAccounts struct {
	pool *pgxpool.Pool
}

// NewPostgresAccounts creates a new PostgresAccounts
func NewPostgresAccounts(pool *pgxpool.Pool) *PostgresAccounts {
	return &PostgresAccounts{pool: pool}
}

const accountColumns = `id, email, role, plan, subscription_status, billing_event_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a              domain.Account
		role           string
		plan           string
		status         string
		billingEventAt *time.Time
	)
	err := row.Scan(&a.ID, &a.Email, &role, &plan, &status, &billingEventAt, &a.UpdatedAt)
	a.Role = domain.Role(role)
	a.Plan = domain.Plan(plan)
	a.SubscriptionStatus = domain.SubscriptionStatus(status)
	if billingEventAt != nil {
		a.BillingEventAt = *billingEventAt
	}
	return a, err
}

// GetAccount retrieves an account by ID
func (r *PostgresAccounts) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	acct, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, err
	}
	return acct, nil
}

// CreateAccount stores a new account
func (r *PostgresAccounts) CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	if err := acct.Validate(); err != nil {
		return domain.Account{}, err
	}
	acct = acct.WithDefaultRole()
	query := `
		INSERT INTO accounts (id, email, role, plan, subscription_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + accountColumns
	stored, err := scanAccount(r.pool.QueryRow(ctx, query,
		acct.ID, acct.Email, string(acct.Role), string(acct.Plan), string(acct.SubscriptionStatus), Now(),
	))
	if err != nil {
		return domain.Account{}, mapPgError("accounts", err)
	}
	return stored, nil
}

// ApplyBilling stores the update unless a later event was already applied
func (r *PostgresAccounts) ApplyBilling(ctx context.Context, u domain.BillingUpdate) (domain.Account, error) {
	query := `
		UPDATE accounts
		SET plan = $2, subscription_status = $3, billing_event_at = $4, updated_at = $5
		WHERE id = $1 AND (billing_event_at IS NULL OR billing_event_at <= $4)
		RETURNING ` + accountColumns
	acct, err := scanAccount(r.pool.QueryRow(ctx, query,
		u.AccountID, string(u.NewPlan), string(u.NewStatus), u.OccurredAt, Now(),
	))
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, err
	}

	current, err := r.GetAccount(ctx, u.AccountID)
	if err != nil {
		return domain.Account{}, err
	}
	return current, domain.ErrStaleEvent
}
