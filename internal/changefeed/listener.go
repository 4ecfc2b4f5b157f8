package changefeed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// Handler receives events for one (table, scope) pair
type Handler interface {
	// Apply reconciles one notification; it must be idempotent
	Apply(ctx context.Context, n Notification)
	// Reload replaces the handler's state after notifications may have been missed
	Reload(ctx context.Context)
}

// ListenerConfig holds listener settings
type ListenerConfig struct {
	// HandlerTimeout bounds each Apply and Reload call
	HandlerTimeout time.Duration
}

// DefaultListenerConfig returns default listener settings
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{HandlerTimeout: 10 * time.Second}
}

// Listener multiplexes one feed subscription per table onto many scoped
// handlers. Handlers are reference counted: the feed subscription for a table
// exists while at least one handler for that table is registered.
type Listener struct {
	feed    Feed
	cfg     ListenerConfig
	log     *logger.Logger
	metrics *telemetry.SyncMetrics

	mu     sync.Mutex
	tables map[domain.Table]*tableSub
	nextID uint64
}

type tableSub struct {
	cancel context.CancelFunc
	done   chan struct{}
	scopes map[string]map[uint64]Handler
}

// NewListener creates a new Listener
func NewListener(feed Feed, cfg ListenerConfig, log *logger.Logger, metrics *telemetry.SyncMetrics) *Listener {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultListenerConfig().HandlerTimeout
	}
	return &Listener{
		feed:    feed,
		cfg:     cfg,
		log:     log.Named("listener"),
		metrics: metrics,
		tables:  make(map[domain.Table]*tableSub),
	}
}

// Subscribe registers h for notifications on (table, scope). The returned
// function unregisters it and is safe to call more than once.
func (l *Listener) Subscribe(ctx context.Context, table domain.Table, scope string, h Handler) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts, ok := l.tables[table]
	if !ok {
		subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		events, err := l.feed.Subscribe(subCtx, table)
		if err != nil {
			cancel()
			return nil, err
		}
		ts = &tableSub{
			cancel: cancel,
			done:   make(chan struct{}),
			scopes: make(map[string]map[uint64]Handler),
		}
		l.tables[table] = ts
		go l.dispatch(subCtx, table, ts, events)
	}

	l.nextID++
	id := l.nextID
	if ts.scopes[scope] == nil {
		ts.scopes[scope] = make(map[uint64]Handler)
	}
	ts.scopes[scope][id] = h

	var once sync.Once
	return func() {
		once.Do(func() { l.unsubscribe(table, scope, id) })
	}, nil
}

func (l *Listener) unsubscribe(table domain.Table, scope string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts, ok := l.tables[table]
	if !ok {
		return
	}
	delete(ts.scopes[scope], id)
	if len(ts.scopes[scope]) == 0 {
		delete(ts.scopes, scope)
	}
	if len(ts.scopes) == 0 {
		ts.cancel()
		delete(l.tables, table)
	}
}

// handlers snapshots the handlers that should see an event for scope. An empty
// scope reaches every handler of the table.
func (l *Listener) handlers(ts *tableSub, scope string) []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Handler
	if scope == "" {
		for _, hs := range ts.scopes {
			for _, h := range hs {
				out = append(out, h)
			}
		}
		return out
	}
	for _, h := range ts.scopes[scope] {
		out = append(out, h)
	}
	return out
}

func (l *Listener) dispatch(ctx context.Context, table domain.Table, ts *tableSub, events <-chan Event) {
	defer close(ts.done)

	for ev := range events {
		if ev.Resync {
			l.log.Info("feed reconnected, reloading scopes", zap.String("table", string(table)))
			l.metrics.FeedEvent(ctx, string(table), "resync")
			for _, h := range l.handlers(ts, "") {
				hctx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
				h.Reload(hctx)
				cancel()
			}
			continue
		}

		n := ev.Notification
		targets := l.handlers(ts, n.Scope)
		if len(targets) == 0 {
			l.metrics.FeedEvent(ctx, string(table), "unrouted")
			continue
		}
		for _, h := range targets {
			hctx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
			h.Apply(hctx, n)
			cancel()
		}
		l.metrics.FeedEvent(ctx, string(table), "dispatched")
	}

	if ctx.Err() == nil {
		l.log.Warn("feed subscription ended", zap.String("table", string(table)))
	}
}

// Close cancels every table subscription and waits for dispatch loops to exit
func (l *Listener) Close() error {
	l.mu.Lock()
	subs := make([]*tableSub, 0, len(l.tables))
	for table, ts := range l.tables {
		ts.cancel()
		subs = append(subs, ts)
		delete(l.tables, table)
	}
	l.mu.Unlock()

	for _, ts := range subs {
		<-ts.done
	}
	return nil
}
