package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// Config holds collection settings
type Config struct {
	// FetchTimeout bounds every scoped or single-row read
	FetchTimeout time.Duration
	// IdleTTL is how long a released scope stays cached and subscribed
	IdleTTL time.Duration
}

// DefaultConfig returns default collection settings
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 10 * time.Second,
		IdleTTL:      5 * time.Minute,
	}
}

// Subscriber registers change feed handlers per (table, scope)
type Subscriber interface {
	Subscribe(ctx context.Context, table domain.Table, scope string, h changefeed.Handler) (func(), error)
}

// Registry owns one Collection per scope of a table. Concurrent Acquire calls
// for the same scope share one collection, one load and one feed subscription.
type Registry[T domain.Record[T]] struct {
	table   backend.Table[T]
	feed    Subscriber
	cfg     Config
	log     *logger.Logger
	metrics *telemetry.SyncMetrics

	mu    sync.Mutex
	slots map[string]*slot[T]
}

type slot[T domain.Record[T]] struct {
	coll       *Collection[T]
	refs       int
	ready      chan struct{}
	unsub      func()
	releasedAt time.Time
	// subscribed is false while the feed subscription could not be set up
	subscribed bool
}

// NewRegistry creates a new Registry
func NewRegistry[T domain.Record[T]](table backend.Table[T], feed Subscriber, cfg Config, log *logger.Logger, metrics *telemetry.SyncMetrics) *Registry[T] {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry[T]{
		table:   table,
		feed:    feed,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		slots:   make(map[string]*slot[T]),
	}
}

// Table returns the table name
func (r *Registry[T]) Table() domain.Table { return r.table.Name() }

// Acquire returns the collection for scope, loading and subscribing it on
// first use. The collection may be in StateError; callers check State. The
// release function must be called once the caller is done with it.
func (r *Registry[T]) Acquire(ctx context.Context, scope string) (*Collection[T], func(), error) {
	r.mu.Lock()
	s, ok := r.slots[scope]
	if ok {
		s.refs++
		r.mu.Unlock()
		return r.await(ctx, scope, s)
	}

	coll := New(r.table, scope, r.cfg, r.log, r.metrics)
	s = &slot[T]{coll: coll, refs: 1, ready: make(chan struct{})}
	r.slots[scope] = s
	r.mu.Unlock()
	r.metrics.ScopeAcquired(ctx, string(r.table.Name()), 1)

	// subscribe before loading so writes during the fetch are not missed
	loadCtx := context.WithoutCancel(ctx)
	unsub, err := r.feed.Subscribe(loadCtx, r.table.Name(), scope, coll)
	if err != nil {
		// without a subscription the cache would go stale unnoticed
		r.log.Error("feed subscribe failed",
			zap.String("table", string(r.table.Name())), zap.String("scope", scope), zap.Error(err))
		coll.Fail(fmt.Errorf("feed subscribe: %w", err))
	} else {
		_ = coll.Load(loadCtx)
	}

	r.mu.Lock()
	s.unsub = unsub
	s.subscribed = err == nil
	r.mu.Unlock()
	close(s.ready)

	return coll, r.releaser(scope, s), nil
}

func (r *Registry[T]) await(ctx context.Context, scope string, s *slot[T]) (*Collection[T], func(), error) {
	release := r.releaser(scope, s)
	select {
	case <-s.ready:
		return s.coll, release, nil
	case <-ctx.Done():
		release()
		return nil, nil, ctx.Err()
	}
}

func (r *Registry[T]) releaser(scope string, s *slot[T]) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			s.refs--
			evict := s.refs == 0 && r.cfg.IdleTTL <= 0
			if s.refs == 0 {
				s.releasedAt = time.Now()
			}
			if evict {
				select {
				case <-s.ready:
				default:
					// the loader still holds it
					evict = false
				}
			}
			if evict {
				delete(r.slots, scope)
			}
			r.mu.Unlock()

			if evict {
				r.teardown(s)
			}
		})
	}
}

func (r *Registry[T]) teardown(s *slot[T]) {
	if s.unsub != nil {
		s.unsub()
	}
	s.coll.Close()
	r.metrics.ScopeAcquired(context.Background(), string(r.table.Name()), -1)
}

// Peek returns the collection for scope if it is cached and ready
func (r *Registry[T]) Peek(scope string) (*Collection[T], bool) {
	r.mu.Lock()
	s, ok := r.slots[scope]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-s.ready:
		return s.coll, true
	default:
		return nil, false
	}
}

// Len returns the number of cached scopes
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// EvictIdle tears down scopes released for longer than IdleTTL
func (r *Registry[T]) EvictIdle(now time.Time) int {
	r.mu.Lock()
	var victims []*slot[T]
	for scope, s := range r.slots {
		if s.refs > 0 || s.releasedAt.IsZero() || now.Sub(s.releasedAt) < r.cfg.IdleTTL {
			continue
		}
		victims = append(victims, s)
		delete(r.slots, scope)
	}
	r.mu.Unlock()

	for _, s := range victims {
		r.teardown(s)
	}
	return len(victims)
}

// ReloadStale reloads every ready-for-use collection that is in StateError or
// missed a refetch. Scopes without a feed subscription subscribe first and
// stay in StateError while that keeps failing. It returns how many were
// reloaded and how many succeeded.
func (r *Registry[T]) ReloadStale(ctx context.Context) (attempted, recovered int) {
	type target struct {
		scope string
		slot  *slot[T]
		resub bool
	}
	r.mu.Lock()
	var targets []target
	for scope, s := range r.slots {
		select {
		case <-s.ready:
		default:
			continue
		}
		if !s.subscribed || s.coll.NeedsReload() {
			targets = append(targets, target{scope: scope, slot: s, resub: !s.subscribed})
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		attempted++
		if t.resub && !r.resubscribe(ctx, t.scope, t.slot) {
			continue
		}
		if err := t.slot.coll.Load(ctx); err == nil {
			recovered++
		}
	}
	return attempted, recovered
}

func (r *Registry[T]) resubscribe(ctx context.Context, scope string, s *slot[T]) bool {
	unsub, err := r.feed.Subscribe(context.WithoutCancel(ctx), r.table.Name(), scope, s.coll)
	if err != nil {
		r.log.Warn("feed subscribe retry failed",
			zap.String("table", string(r.table.Name())), zap.String("scope", scope), zap.Error(err))
		s.coll.Fail(fmt.Errorf("feed subscribe: %w", err))
		return false
	}

	r.mu.Lock()
	current := r.slots[scope] == s
	if current {
		s.unsub = unsub
		s.subscribed = true
	}
	r.mu.Unlock()

	if !current {
		// evicted while subscribing
		unsub()
		return false
	}
	return true
}

// Close tears down every scope
func (r *Registry[T]) Close() {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[string]*slot[T])
	r.mu.Unlock()

	for _, s := range slots {
		<-s.ready
		r.teardown(s)
	}
}
