// Package gateway is the only write path for mirrored rows. Every create is
// checked against the owner's plan before any backend I/O, and every write is
// applied optimistically to the owning collection and reconciled with the
// backend's answer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/quota"
	"github.com/prohmpiriya/rentsync/internal/session"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// Config holds gateway settings
type Config struct {
	// MutationTimeout bounds every backend write
	MutationTimeout time.Duration
	// FetchTimeout bounds single-row reads made for authorization
	FetchTimeout time.Duration
	// IdempotencyTTL is how long a successful create is replayed for its key
	IdempotencyTTL time.Duration
}

// DefaultConfig returns default gateway settings
func DefaultConfig() Config {
	return Config{
		MutationTimeout: 8 * time.Second,
		FetchTimeout:    10 * time.Second,
		IdempotencyTTL:  10 * time.Minute,
	}
}

// Gateway applies quota checks and optimistic updates around backend writes
type Gateway struct {
	backend  *backend.Backend
	store    *collection.Store
	sessions *session.Store
	cfg      Config
	log      *logger.Logger
	metrics  *telemetry.SyncMetrics

	locks *keyedMutex
	idem  *idempotencyCache
	now   func() time.Time
}

// New creates a new Gateway
func New(b *backend.Backend, store *collection.Store, sessions *session.Store, cfg Config, log *logger.Logger, metrics *telemetry.SyncMetrics) *Gateway {
	def := DefaultConfig()
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = def.MutationTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Gateway{
		backend:  b,
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		log:      log.Named("gateway"),
		metrics:  metrics,
		locks:    newKeyedMutex(),
		idem:     newIdempotencyCache(cfg.IdempotencyTTL),
		now:      time.Now,
	}
}

// Option tunes one mutation
type Option func(*options)

type options struct {
	idempotencyKey string
	expected       *time.Time
}

// WithIdempotencyKey makes repeated creates with the same key return the
// first result instead of writing again
func WithIdempotencyKey(key string) Option {
	return func(o *options) { o.idempotencyKey = key }
}

// IfUnmodifiedSince fails an update with StaleWriteError unless the cached
// row still carries updatedAt
func IfUnmodifiedSince(updatedAt time.Time) Option {
	return func(o *options) { o.expected = &updatedAt }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// quotaCheck is the quota step of a create
type quotaCheck struct {
	kind  domain.ResourceKind
	delta int64
	usage func(ctx context.Context) (int64, error)
}

// createSpec describes one create
type createSpec[T domain.Record[T]] struct {
	op       string
	ownerID  string
	registry *collection.Registry[T]
	table    backend.Table[T]
	row      T
	quota    *quotaCheck
	opts     options
}

// runCreate executes the create contract: read usage, evaluate the owner's
// plan, insert a pending item, write, then confirm or roll back
func runCreate[T domain.Record[T]](ctx context.Context, g *Gateway, spec createSpec[T]) (T, error) {
	var zero T
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway."+spec.op)
	defer span.End()

	run := func() (any, error) {
		lockClass := spec.op
		if spec.quota != nil {
			lockClass = string(spec.quota.kind)
		}
		unlock := g.locks.Lock(spec.ownerID + "/" + lockClass)
		defer unlock()

		if spec.quota != nil {
			if err := g.checkQuota(ctx, spec.ownerID, *spec.quota); err != nil {
				return zero, err
			}
		}

		coll, release, err := spec.registry.Acquire(ctx, spec.row.GetScope())
		if err != nil {
			return zero, err
		}
		defer release()

		token, err := coll.BeginInsert(spec.row)
		if err != nil {
			return zero, err
		}

		table := spec.table
		stored, err := bounded(ctx, g, spec.op,
			func(ctx context.Context) (T, error) { return table.Insert(ctx, spec.row) },
			func(ctx context.Context, late T) error { return table.Delete(ctx, late.GetID()) },
		)
		if err != nil {
			coll.Rollback(spec.row.GetID(), token)
			telemetry.AddSpanEvent(ctx, "collection.rollback", telemetry.TableAttr(string(coll.Table())))
			return zero, err
		}
		coll.Confirm(token, stored)
		return stored, nil
	}

	var (
		v   any
		err error
	)
	if spec.opts.idempotencyKey != "" {
		v, err = g.idem.Do(spec.ownerID+"/"+spec.op+"/"+spec.opts.idempotencyKey, run)
	} else {
		v, err = run()
	}
	g.record(ctx, spec.op, err, start)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		return zero, err
	}
	return v.(T), nil
}

// checkQuota reads the owner's snapshot once, then usage, then decides
func (g *Gateway) checkQuota(ctx context.Context, ownerID string, qc quotaCheck) error {
	acct, err := g.sessions.Snapshot(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("%w: account %s: %v", domain.ErrQuotaCheckUnavailable, ownerID, err)
	}

	usage, err := qc.usage(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaCheckUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrQuotaCheckUnavailable, err)
	}

	delta := qc.delta
	if delta <= 0 {
		delta = 1
	}
	decision := quota.EvaluateAdd(qc.kind, acct, usage, delta)
	g.metrics.QuotaDecision(ctx, string(qc.kind), string(decision.Plan), decision.Allowed)
	telemetry.SetSpanAttributes(ctx,
		telemetry.ResourceKindAttr(string(qc.kind)),
		telemetry.PlanAttr(string(decision.Plan)),
		telemetry.DecisionAttr(decision.Allowed),
	)
	if !decision.Allowed {
		g.log.WithContext(ctx).Info("quota denied",
			zap.String("account_id", ownerID),
			zap.String("kind", string(qc.kind)),
			zap.Int64("usage", usage),
			zap.String("limit", decision.Limit.String()),
			zap.String("plan", string(decision.Plan)),
			zap.String("reason", decision.Reason),
		)
	}
	return decision.Err()
}

// updateSpec describes one optimistic update
type updateSpec[T domain.Record[T]] struct {
	op       string
	registry *collection.Registry[T]
	table    backend.Table[T]
	scope    string
	id       string
	mutate   func(current T) (T, error)
	opts     options
}

func runUpdate[T domain.Record[T]](ctx context.Context, g *Gateway, spec updateSpec[T]) (T, error) {
	var zero T
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway."+spec.op)
	defer span.End()

	stored, err := func() (T, error) {
		coll, release, err := spec.registry.Acquire(ctx, spec.scope)
		if err != nil {
			return zero, err
		}
		defer release()

		current, ok := coll.Get(spec.id)
		if !ok {
			return zero, fmt.Errorf("%s %s: %w", spec.table.Name(), spec.id, domain.ErrNotFound)
		}
		if spec.opts.expected != nil && !current.GetUpdatedAt().Equal(*spec.opts.expected) {
			return zero, &domain.StaleWriteError{Table: string(spec.table.Name()), ID: spec.id, Expected: *spec.opts.expected}
		}
		next, err := spec.mutate(current)
		if err != nil {
			return zero, err
		}

		token, base, err := coll.BeginUpdate(next)
		if err != nil {
			return zero, err
		}
		table := spec.table
		stored, err := bounded(ctx, g, spec.op,
			func(ctx context.Context) (T, error) { return table.Update(ctx, next, base.GetUpdatedAt()) },
			nil,
		)
		if err != nil {
			coll.Rollback(spec.id, token)
			telemetry.AddSpanEvent(ctx, "collection.rollback", telemetry.TableAttr(string(coll.Table())))
			var stale *domain.StaleWriteError
			if errors.As(err, &stale) {
				coll.Refetch(ctx, spec.id)
			}
			return zero, err
		}
		coll.Confirm(token, stored)
		return stored, nil
	}()

	g.record(ctx, spec.op, err, start)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
	}
	return stored, err
}

// removeSpec describes one optimistic delete
type removeSpec[T domain.Record[T]] struct {
	op       string
	registry *collection.Registry[T]
	table    backend.Table[T]
	scope    string
	id       string
	check    func(current T) error
}

func runRemove[T domain.Record[T]](ctx context.Context, g *Gateway, spec removeSpec[T]) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "gateway."+spec.op)
	defer span.End()

	err := func() error {
		coll, release, err := spec.registry.Acquire(ctx, spec.scope)
		if err != nil {
			return err
		}
		defer release()

		current, ok := coll.Get(spec.id)
		if !ok {
			return fmt.Errorf("%s %s: %w", spec.table.Name(), spec.id, domain.ErrNotFound)
		}
		if spec.check != nil {
			if err := spec.check(current); err != nil {
				return err
			}
		}

		token, _, err := coll.BeginRemove(spec.id)
		if err != nil {
			return err
		}
		table := spec.table
		_, err = bounded(ctx, g, spec.op,
			func(ctx context.Context) (struct{}, error) { return struct{}{}, table.Delete(ctx, spec.id) },
			nil,
		)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			coll.Rollback(spec.id, token)
			telemetry.AddSpanEvent(ctx, "collection.rollback", telemetry.TableAttr(string(coll.Table())))
			return err
		}
		coll.ConfirmRemove(spec.id, token)
		return nil
	}()

	g.record(ctx, spec.op, err, start)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
	}
	return err
}

// bounded runs write under MutationTimeout. A write that misses the deadline
// is reported as ErrMutationTimeout; if it later succeeds anyway, compensate
// undoes it so the caller's rollback stays true.
func bounded[T any](ctx context.Context, g *Gateway, op string, write func(context.Context) (T, error), compensate func(context.Context, T) error) (T, error) {
	type result struct {
		value T
		err   error
	}

	wctx, cancel := context.WithTimeout(ctx, g.cfg.MutationTimeout)
	done := make(chan result, 1)
	go func() {
		v, err := write(wctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		cancel()
		if r.err != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.value, fmt.Errorf("%s: %w", op, domain.ErrMutationTimeout)
		}
		return r.value, r.err
	case <-wctx.Done():
		cancel()
		telemetry.AddSpanEvent(ctx, "mutation.deadline", telemetry.OperationAttr(op))
		log := g.log.WithContext(ctx)
		go func() {
			r := <-done
			if r.err != nil || compensate == nil {
				return
			}
			cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.MutationTimeout)
			defer ccancel()
			if err := compensate(cctx, r.value); err != nil && !errors.Is(err, domain.ErrNotFound) {
				log.Error("compensating late write failed", zap.String("operation", op), zap.Error(err))
				return
			}
			log.Warn("late write after timeout compensated", zap.String("operation", op))
		}()
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%s: %w", op, domain.ErrMutationTimeout)
	}
}

// SweepIdempotency drops expired idempotency results
func (g *Gateway) SweepIdempotency() int {
	return g.idem.Sweep()
}

func (g *Gateway) record(ctx context.Context, op string, err error, start time.Time) {
	g.metrics.Mutation(ctx, op, outcome(err), time.Since(start))
	if err != nil && outcome(err) == "error" {
		g.log.WithContext(ctx).Error("mutation failed", zap.String("operation", op), zap.Error(err))
	}
}

func outcome(err error) string {
	var (
		denied     *domain.QuotaDeniedError
		conflict   *domain.ConflictError
		transition *domain.InvalidTransitionError
		stale      *domain.StaleWriteError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &denied):
		return "denied"
	case errors.Is(err, domain.ErrQuotaCheckUnavailable):
		return "quota_unavailable"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.As(err, &stale):
		return "stale"
	case errors.Is(err, domain.ErrMutationTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrMalformedRow),
		errors.Is(err, domain.ErrMessageImmutable):
		return "rejected"
	}
	return "error"
}
