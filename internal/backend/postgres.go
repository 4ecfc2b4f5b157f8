package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// schema describes how one row type maps onto its table. columns[0] must be
// id; the slice returned by values lines up with columns.
type schema[T domain.Record[T]] struct {
	table       domain.Table
	scopeColumn string
	columns     []string
	scan        func(row pgx.Row) (T, error)
	values      func(T) []any
}

// PostgresTable implements Table using PostgreSQL
type PostgresTable[T domain.Record[T]] struct {
	pool      *pgxpool.Pool
	schema    schema[T]
	publisher changefeed.Publisher
}

func newPostgresTable[T domain.Record[T]](pool *pgxpool.Pool, s schema[T], publisher changefeed.Publisher) *PostgresTable[T] {
	if publisher == nil {
		publisher = changefeed.NoopPublisher{}
	}
	return &PostgresTable[T]{pool: pool, schema: s, publisher: publisher}
}

// Name returns the table name
func (t *PostgresTable[T]) Name() domain.Table { return t.schema.table }

func (t *PostgresTable[T]) columnList() string {
	return strings.Join(t.schema.columns, ", ")
}

// FetchScope returns rows of scope ordered by created_at then id
func (t *PostgresTable[T]) FetchScope(ctx context.Context, scope string) ([]T, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = $1 ORDER BY created_at, id`,
		t.columnList(), t.schema.table, t.schema.scopeColumn,
	)
	rows, err := t.pool.Query(ctx, query, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		row, err := t.schema.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Get returns one row
func (t *PostgresTable[T]) Get(ctx context.Context, id string) (T, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, t.columnList(), t.schema.table)
	row, err := t.schema.scan(t.pool.QueryRow(ctx, query, id))
	if err != nil {
		var zero T
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("%s %s: %w", t.schema.table, id, domain.ErrNotFound)
		}
		return zero, err
	}
	return row, nil
}

// Insert stores a new row
func (t *PostgresTable[T]) Insert(ctx context.Context, row T) (T, error) {
	var zero T
	if err := row.Validate(); err != nil {
		return zero, err
	}
	row = row.Touch(Now())

	placeholders := make([]string, len(t.schema.columns))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		t.schema.table, t.columnList(), strings.Join(placeholders, ", "), t.columnList(),
	)

	stored, err := t.schema.scan(t.pool.QueryRow(ctx, query, t.schema.values(row)...))
	if err != nil {
		return zero, t.mapError(err)
	}
	t.notify(ctx, changefeed.OpInsert, stored)
	return stored, nil
}

// Update replaces a row when its updated_at matches expected
func (t *PostgresTable[T]) Update(ctx context.Context, row T, expected time.Time) (T, error) {
	var zero T
	if err := row.Validate(); err != nil {
		return zero, err
	}
	row = row.Touch(Now())

	values := t.schema.values(row)
	sets := make([]string, 0, len(t.schema.columns))
	for i, col := range t.schema.columns {
		switch col {
		case "id", "created_at":
			continue
		case "updated_at":
			// strictly increasing even when two writes land in the same microsecond
			sets = append(sets, fmt.Sprintf("updated_at = GREATEST($%d, updated_at + interval '1 microsecond')", i+1))
		default:
			sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		}
	}
	values = append(values, expected)
	query := fmt.Sprintf(
		`UPDATE %s SET %s WHERE id = $1 AND updated_at = $%d RETURNING %s`,
		t.schema.table, strings.Join(sets, ", "), len(values), t.columnList(),
	)

	stored, err := t.schema.scan(t.pool.QueryRow(ctx, query, values...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, t.missOrStale(ctx, row.GetID(), expected)
		}
		return zero, t.mapError(err)
	}
	t.notify(ctx, changefeed.OpUpdate, stored)
	return stored, nil
}

// Delete removes a row
func (t *PostgresTable[T]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE id = $1 RETURNING %s`,
		t.schema.table, t.columnList(),
	)
	removed, err := t.schema.scan(t.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", t.schema.table, id, domain.ErrNotFound)
		}
		return t.mapError(err)
	}
	t.notify(ctx, changefeed.OpDelete, removed)
	return nil
}

func (t *PostgresTable[T]) missOrStale(ctx context.Context, id string, expected time.Time) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, t.schema.table)
	if err := t.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", t.schema.table, id, domain.ErrNotFound)
	}
	return &domain.StaleWriteError{Table: string(t.schema.table), ID: id, Expected: expected}
}

func (t *PostgresTable[T]) mapError(err error) error {
	return mapPgError(string(t.schema.table), err)
}

func (t *PostgresTable[T]) notify(ctx context.Context, op changefeed.Op, row T) {
	_ = t.publisher.Publish(context.WithoutCancel(ctx), changefeed.Notification{
		Table:     t.schema.table,
		Op:        op,
		ID:        row.GetID(),
		Scope:     row.GetScope(),
		UpdatedAt: row.GetUpdatedAt(),
	})
}

// mapPgError turns constraint violations into domain errors
func mapPgError(table string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		detail := pgErr.Detail
		if pgErr.ConstraintName == ConstraintOneActiveLease {
			detail = activeLeaseConflictDetail
		}
		return &domain.ConflictError{Table: table, Constraint: pgErr.ConstraintName, Detail: detail}
	case pgForeignKeyViolation:
		return fmt.Errorf("%s: %w: %s", table, domain.ErrNotFound, pgErr.Detail)
	case pgCheckViolation:
		return fmt.Errorf("%w: %s: %s", domain.ErrMalformedRow, table, pgErr.ConstraintName)
	}
	return err
}

// NewPostgres creates a Backend on pool. Writes are also sent to publisher,
// which may be nil when database triggers emit notifications.
func NewPostgres(pool *pgxpool.Pool, publisher changefeed.Publisher) *Backend {
	return &Backend{
		Accounts:      NewPostgresAccounts(pool),
		Properties:    newPostgresTable(pool, propertySchema, publisher),
		Units:         newPostgresTable(pool, unitSchema, publisher),
		Leases:        newPostgresTable(pool, leaseSchema, publisher),
		Maintenance:   newPostgresTable(pool, maintenanceSchema, publisher),
		Conversations: newPostgresTable(pool, conversationSchema, publisher),
		Messages:      newPostgresTable(pool, messageSchema, publisher),
	}
}
