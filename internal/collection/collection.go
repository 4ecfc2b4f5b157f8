// Package collection keeps cached, ordered views of backend table slices in
// step with local mutations and the change feed.
package collection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// State is the load state of a collection
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Phase is the lifecycle phase of one cached item. Removed items are not
// kept, so removal is the absence of an entry.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseConfirmed Phase = "confirmed"
)

var (
	// ErrSuperseded is returned by Load when a newer load or Close overtook it
	ErrSuperseded = errors.New("load superseded by a newer generation")
	// ErrClosed is returned when a collection was released and evicted
	ErrClosed = errors.New("collection closed")
	// ErrItemBusy is returned when an item is pending or being removed
	ErrItemBusy = errors.New("item has a mutation in flight")
)

// Item is a cached row with its lifecycle phase
type Item[T domain.Record[T]] struct {
	Row   T     `json:"row"`
	Phase Phase `json:"phase"`
}

// View is a consistent read of a collection
type View[T domain.Record[T]] struct {
	Table      domain.Table `json:"table"`
	Scope      string       `json:"scope"`
	State      State        `json:"state"`
	Version    uint64       `json:"version"`
	Generation uint64       `json:"generation"`
	Error      string       `json:"error,omitempty"`
	LoadedAt   time.Time    `json:"loaded_at"`
	Items      []Item[T]    `json:"items"`
}

// tombstone remembers a removal so a read that started before it cannot
// bring the row back
type tombstone struct {
	seq uint64
	// updatedAt is the last version known when the row was removed
	updatedAt time.Time
}

type entry[T domain.Record[T]] struct {
	row   T
	phase Phase
	// token identifies the mutation in flight; 0 when idle
	token uint64
	// base is the last confirmed row while an update or remove is in flight
	base     *T
	removing bool
	// seq is the apply sequence number of the last feed write to this entry
	seq uint64
}

// Collection is the cache of one (table, scope) slice. Only the gateway and
// the change feed write to it; the gateway does so through the Begin* and
// Confirm* methods.
type Collection[T domain.Record[T]] struct {
	table   backend.Table[T]
	scope   string
	cfg     Config
	log     *logger.Logger
	metrics *telemetry.SyncMetrics

	mu         sync.RWMutex
	state      State
	err        error
	stale      bool
	closed     bool
	generation uint64
	version    uint64
	nextToken  uint64
	applySeq   uint64
	loadedAt   time.Time
	entries    map[string]*entry[T]
	// tombstones records removed ids until a full load no longer needs them
	tombstones map[string]tombstone
	watchers   map[uint64]chan struct{}
	nextWatch  uint64
}

// New creates an idle collection for scope
func New[T domain.Record[T]](table backend.Table[T], scope string, cfg Config, log *logger.Logger, metrics *telemetry.SyncMetrics) *Collection[T] {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Collection[T]{
		table:      table,
		scope:      scope,
		cfg:        cfg,
		log:        log.Named("collection").WithFields(zap.String("table", string(table.Name())), zap.String("scope", scope)),
		metrics:    metrics,
		state:      StateIdle,
		entries:    make(map[string]*entry[T]),
		tombstones: make(map[string]tombstone),
		watchers:   make(map[uint64]chan struct{}),
	}
}

// Table returns the table name
func (c *Collection[T]) Table() domain.Table { return c.table.Name() }

// Scope returns the scope key
func (c *Collection[T]) Scope() string { return c.scope }

// Load fetches the whole slice and replaces the cached confirmed rows. Pending
// inserts, items with a mutation in flight and rows the feed delivered while
// the fetch was running survive the replacement. A failed fetch moves the
// collection to StateError and returns a *domain.FetchError.
func (c *Collection[T]) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	startSeq := c.applySeq
	if c.state == StateIdle || c.state == StateError {
		c.state = StateLoading
	}
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	rows, err := c.table.FetchScope(fetchCtx, c.scope)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.generation {
		c.metrics.Reload(ctx, string(c.table.Name()), "superseded")
		c.log.Debug("discarding superseded load", zap.Uint64("generation", gen))
		return ErrSuperseded
	}

	if err != nil {
		c.state = StateError
		c.err = &domain.FetchError{Table: string(c.table.Name()), Scope: c.scope, Err: err}
		c.changed()
		c.metrics.Reload(ctx, string(c.table.Name()), "error")
		c.log.Warn("collection load failed", zap.Uint64("generation", gen), zap.Error(err))
		return c.err
	}

	next := make(map[string]*entry[T], len(rows))
	for _, row := range rows {
		if verr := row.Validate(); verr != nil {
			c.log.Warn("skipping malformed row", zap.String("id", row.GetID()), zap.Error(verr))
			continue
		}
		if ts, gone := c.tombstones[row.GetID()]; gone && (ts.seq > startSeq || !row.GetUpdatedAt().After(ts.updatedAt)) {
			continue
		}
		next[row.GetID()] = &entry[T]{row: row, phase: PhaseConfirmed}
	}

	for id, e := range c.entries {
		fetched, ok := next[id]
		switch {
		case e.phase == PhasePending || e.token != 0:
			if ok && e.phase == PhasePending {
				// the insert committed before the fetch read the table
				e.phase = PhaseConfirmed
				e.row = fetched.row
			} else if ok && e.base != nil && fetched.row.GetUpdatedAt().After((*e.base).GetUpdatedAt()) {
				b := fetched.row
				e.base = &b
			}
			next[id] = e
		case e.seq > startSeq:
			if !ok || e.row.GetUpdatedAt().After(fetched.row.GetUpdatedAt()) {
				next[id] = e
			}
		}
	}

	c.entries = next
	for id, ts := range c.tombstones {
		// removals older than the fetch are reflected in rows
		if ts.seq <= startSeq {
			delete(c.tombstones, id)
		}
	}
	c.state = StateReady
	c.err = nil
	c.stale = false
	c.loadedAt = time.Now()
	c.changed()
	c.metrics.Reload(ctx, string(c.table.Name()), "ok")
	c.log.Debug("collection loaded", zap.Uint64("generation", gen), zap.Int("rows", len(next)))
	return nil
}

// Fail moves the collection to StateError without fetching and discards any
// load in flight. Usage then reports domain.ErrQuotaCheckUnavailable until a
// later Load succeeds.
func (c *Collection[T]) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.generation++
	c.state = StateError
	c.err = &domain.FetchError{Table: string(c.table.Name()), Scope: c.scope, Err: err}
	c.changed()
}

// Reload implements changefeed.Handler. It runs after the feed reconnected.
func (c *Collection[T]) Reload(ctx context.Context) {
	if err := c.Load(ctx); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
		c.log.Warn("reload after feed reconnect failed", zap.Error(err))
	}
}

// Apply implements changefeed.Handler. The notification only names the row;
// the authoritative version is read back by id and kept only when it is
// newer than the cached copy, so duplicates and late arrivals are no-ops.
func (c *Collection[T]) Apply(ctx context.Context, n changefeed.Notification) {
	outcome := c.apply(ctx, n.ID)
	c.metrics.FeedEvent(ctx, string(c.table.Name()), outcome)
}

// Refetch re-reads one row and reconciles it the same way as a feed
// notification. The gateway calls it after a StaleWriteError.
func (c *Collection[T]) Refetch(ctx context.Context, id string) {
	c.apply(ctx, id)
}

func (c *Collection[T]) apply(ctx context.Context, id string) string {
	c.mu.RLock()
	readSeq := c.applySeq
	c.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	row, err := c.table.Get(fetchCtx, id)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "closed"
	}

	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.removeLocked(id)
		}
		c.stale = true
		c.log.Warn("refetch after notification failed", zap.String("id", id), zap.Error(err))
		return "fetch_failed"
	}

	if verr := row.Validate(); verr != nil {
		c.log.Warn("ignoring malformed row from feed", zap.String("id", id), zap.Error(verr))
		return "malformed"
	}

	if row.GetScope() != c.scope {
		// moved to another scope
		return c.removeLocked(id)
	}

	e, ok := c.entries[id]
	if !ok {
		if ts, gone := c.tombstones[id]; gone {
			if ts.seq > readSeq || !row.GetUpdatedAt().After(ts.updatedAt) {
				// read before the removal was applied
				return "ignored"
			}
			delete(c.tombstones, id)
		}
		c.applySeq++
		c.entries[id] = &entry[T]{row: row, phase: PhaseConfirmed, seq: c.applySeq}
		c.changed()
		return "inserted"
	}

	c.applySeq++
	if e.phase == PhasePending {
		e.row = row
		e.phase = PhaseConfirmed
		e.seq = c.applySeq
		c.changed()
		return "confirmed"
	}

	if e.base != nil {
		// an optimistic update or remove is showing; advance what a revert restores
		if !row.GetUpdatedAt().After((*e.base).GetUpdatedAt()) {
			return "ignored"
		}
		e.base = &row
		e.seq = c.applySeq
		return "rebased"
	}

	if !row.GetUpdatedAt().After(e.row.GetUpdatedAt()) {
		return "ignored"
	}
	e.row = row
	e.seq = c.applySeq
	c.changed()
	return "updated"
}

func (c *Collection[T]) removeLocked(id string) string {
	e, ok := c.entries[id]
	if !ok {
		if _, gone := c.tombstones[id]; !gone {
			c.applySeq++
			c.tombstones[id] = tombstone{seq: c.applySeq}
		}
		return "ignored"
	}
	if e.phase == PhasePending {
		// not committed yet; the gateway decides
		return "ignored"
	}
	c.bury(id, e)
	c.changed()
	return "removed"
}

// bury must be called with mu held
func (c *Collection[T]) bury(id string, e *entry[T]) {
	last := e.row.GetUpdatedAt()
	if e.base != nil && (*e.base).GetUpdatedAt().After(last) {
		last = (*e.base).GetUpdatedAt()
	}
	c.applySeq++
	delete(c.entries, id)
	c.tombstones[id] = tombstone{seq: c.applySeq, updatedAt: last}
}

// BeginInsert adds row as a pending item and returns the mutation token
func (c *Collection[T]) BeginInsert(row T) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if _, exists := c.entries[row.GetID()]; exists {
		return 0, &domain.ConflictError{
			Table:      string(c.table.Name()),
			Constraint: string(c.table.Name()) + "_" + backend.ConstraintPrimaryKey,
			Detail:     "id already cached",
		}
	}
	c.nextToken++
	c.entries[row.GetID()] = &entry[T]{row: row, phase: PhasePending, token: c.nextToken}
	c.changed()
	return c.nextToken, nil
}

// BeginUpdate shows next optimistically and returns the token together with
// the confirmed row the update is based on
func (c *Collection[T]) BeginUpdate(next T) (uint64, T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.closed {
		return 0, zero, ErrClosed
	}
	e, ok := c.entries[next.GetID()]
	if !ok {
		return 0, zero, domain.ErrNotFound
	}
	if e.phase == PhasePending || e.removing {
		return 0, zero, ErrItemBusy
	}
	if e.base == nil {
		b := e.row
		e.base = &b
	}
	c.nextToken++
	e.token = c.nextToken
	e.row = next
	c.changed()
	return e.token, *e.base, nil
}

// BeginRemove hides the item and returns the token together with the
// confirmed row being removed
func (c *Collection[T]) BeginRemove(id string) (uint64, T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.closed {
		return 0, zero, ErrClosed
	}
	e, ok := c.entries[id]
	if !ok {
		return 0, zero, domain.ErrNotFound
	}
	if e.phase == PhasePending || e.removing {
		return 0, zero, ErrItemBusy
	}
	if e.base == nil {
		b := e.row
		e.base = &b
	}
	c.nextToken++
	e.token = c.nextToken
	e.removing = true
	c.changed()
	return e.token, *e.base, nil
}

// Confirm reconciles the item behind token with the row the backend stored
func (c *Collection[T]) Confirm(token uint64, stored T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	e, ok := c.entries[stored.GetID()]
	if !ok {
		// removed by the feed while the write was in flight
		return
	}
	if e.token != token {
		if e.base != nil && stored.GetUpdatedAt().After((*e.base).GetUpdatedAt()) {
			e.base = &stored
		}
		return
	}

	// the feed may already have delivered a newer version than stored
	newest := stored
	if e.base != nil && (*e.base).GetUpdatedAt().After(newest.GetUpdatedAt()) {
		newest = *e.base
	}
	if e.phase == PhaseConfirmed && e.base == nil && e.row.GetUpdatedAt().After(newest.GetUpdatedAt()) {
		newest = e.row
	}
	e.row = newest
	e.phase = PhaseConfirmed
	e.token = 0
	e.base = nil
	e.removing = false
	c.changed()
}

// ConfirmRemove drops the item behind token
func (c *Collection[T]) ConfirmRemove(id string, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	e, ok := c.entries[id]
	if !ok || e.token != token {
		return
	}
	c.bury(id, e)
	c.changed()
}

// Rollback undoes the optimistic change behind token: a pending insert is
// removed, an update or remove is reverted to the confirmed row
func (c *Collection[T]) Rollback(id string, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	e, ok := c.entries[id]
	if !ok || e.token != token {
		return
	}
	if e.phase == PhasePending {
		delete(c.entries, id)
		c.changed()
		return
	}
	if e.base != nil {
		e.row = *e.base
	}
	e.base = nil
	e.token = 0
	e.removing = false
	c.changed()
}

// State returns the load state
func (c *Collection[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the last load error while in StateError
func (c *Collection[T]) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// NeedsReload reports whether the collection is in error or missed a refetch
func (c *Collection[T]) NeedsReload() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && (c.state == StateError || c.stale)
}

// Generation returns the current load generation
func (c *Collection[T]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Version increases on every visible change
func (c *Collection[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Get returns the visible row for id
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.removing {
		var zero T
		return zero, false
	}
	return e.row, true
}

// Items returns the visible items ordered by created_at, then id
func (c *Collection[T]) Items() []Item[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.itemsLocked()
}

func (c *Collection[T]) itemsLocked() []Item[T] {
	out := make([]Item[T], 0, len(c.entries))
	for _, e := range c.entries {
		if e.removing {
			continue
		}
		out = append(out, Item[T]{Row: e.row, Phase: e.phase})
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Row.GetCreatedAt(), out[j].Row.GetCreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i].Row.GetID() < out[j].Row.GetID()
	})
	return out
}

// Rows returns the visible rows in item order
func (c *Collection[T]) Rows() []T {
	items := c.Items()
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.Row
	}
	return out
}

// Snapshot returns a consistent view for readers
func (c *Collection[T]) Snapshot() View[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := View[T]{
		Table:      c.table.Name(),
		Scope:      c.scope,
		State:      c.state,
		Version:    c.version,
		Generation: c.generation,
		LoadedAt:   c.loadedAt,
		Items:      c.itemsLocked(),
	}
	if c.err != nil {
		v.Error = c.err.Error()
	}
	return v
}

// Usage sums weight over every cached row, including pending inserts and
// rows whose removal is not confirmed yet. It fails with
// domain.ErrQuotaCheckUnavailable unless the collection is ready.
func (c *Collection[T]) Usage(weight func(T) int64) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.state != StateReady {
		if c.err != nil {
			return 0, errors.Join(domain.ErrQuotaCheckUnavailable, c.err)
		}
		return 0, domain.ErrQuotaCheckUnavailable
	}
	var total int64
	for _, e := range c.entries {
		total += weight(e.row)
	}
	return total, nil
}

// Count is the number of cached rows for quota purposes
func Count[T any](T) int64 { return 1 }

// Watch returns a channel that receives a signal after each visible change.
// Signals coalesce; readers call Snapshot to see the new state.
func (c *Collection[T]) Watch() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan struct{}, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(ch)
			}
		})
	}
}

// changed must be called with mu held
func (c *Collection[T]) changed() {
	c.version++
	for _, ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close discards the cache. In-flight loads and gateway confirmations that
// arrive later are ignored.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.generation++
	c.state = StateIdle
	c.entries = make(map[string]*entry[T])
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}
