// Package worker runs periodic maintenance for the sync layer
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/pkg/logger"
)

// Reconciler reloads stale collections and evicts idle scopes
type Reconciler interface {
	Reconcile(ctx context.Context, now time.Time) collection.ReconcileResult
}

// Sweeper drops expired idempotency entries
type Sweeper interface {
	SweepIdempotency() int
}

// ReconcileWorkerConfig holds worker settings
type ReconcileWorkerConfig struct {
	Interval time.Duration
	// PassTimeout bounds the reloads of one pass
	PassTimeout time.Duration
}

// DefaultReconcileWorkerConfig returns default worker settings
func DefaultReconcileWorkerConfig() *ReconcileWorkerConfig {
	return &ReconcileWorkerConfig{
		Interval:    30 * time.Second,
		PassTimeout: 20 * time.Second,
	}
}

// ReconcileWorkerStats is a point-in-time view of the worker
type ReconcileWorkerStats struct {
	IsRunning      bool      `json:"is_running"`
	Passes         int64     `json:"passes"`
	TotalReloaded  int64     `json:"total_reloaded"`
	TotalRecovered int64     `json:"total_recovered"`
	TotalEvicted   int64     `json:"total_evicted"`
	TotalSwept     int64     `json:"total_swept"`
	ActiveScopes   int       `json:"active_scopes"`
	LastPassTime   time.Time `json:"last_pass_time"`
}

// ReconcileWorker periodically retries collections in error, evicts idle
// scopes and sweeps the idempotency cache
type ReconcileWorker struct {
	store   Reconciler
	sweeper Sweeper
	config  *ReconcileWorkerConfig
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   ReconcileWorkerStats
}

// NewReconcileWorker creates a new ReconcileWorker. sweeper may be nil.
func NewReconcileWorker(store Reconciler, sweeper Sweeper, log *logger.Logger, config *ReconcileWorkerConfig) *ReconcileWorker {
	if config == nil {
		config = DefaultReconcileWorkerConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultReconcileWorkerConfig().Interval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = config.Interval
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ReconcileWorker{
		store:   store,
		sweeper: sweeper,
		config:  config,
		log:     log.Named("reconcile-worker"),
		now:     time.Now,
	}
}

// Start runs passes until Stop is called or ctx is done. Calling Start on a
// running worker is a no-op.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("reconcile worker started", zap.Duration("interval", w.config.Interval))
	go w.loop(ctx)
}

func (w *ReconcileWorker) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		close(w.done)
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			w.log.Info("reconcile worker stopped")
			return
		}
	}
}

// Stop cancels the loop and waits for the current pass to finish
func (w *ReconcileWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

// RunOnce performs a single pass
func (w *ReconcileWorker) RunOnce(ctx context.Context) collection.ReconcileResult {
	ctx, cancel := context.WithTimeout(ctx, w.config.PassTimeout)
	defer cancel()

	res := w.store.Reconcile(ctx, w.now())
	swept := 0
	if w.sweeper != nil {
		swept = w.sweeper.SweepIdempotency()
	}

	w.mu.Lock()
	w.stats.Passes++
	w.stats.TotalReloaded += int64(res.Reloaded)
	w.stats.TotalRecovered += int64(res.Recovered)
	w.stats.TotalEvicted += int64(res.Evicted)
	w.stats.TotalSwept += int64(swept)
	w.stats.ActiveScopes = res.Scopes
	w.stats.LastPassTime = w.now()
	w.mu.Unlock()

	if res.Reloaded > 0 || res.Evicted > 0 || swept > 0 {
		w.log.Info("reconcile pass",
			zap.Int("reloaded", res.Reloaded),
			zap.Int("recovered", res.Recovered),
			zap.Int("evicted", res.Evicted),
			zap.Int("swept", swept),
			zap.Int("scopes", res.Scopes),
		)
	}
	return res
}

// GetStats returns the worker's counters
func (w *ReconcileWorker) GetStats() ReconcileWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.IsRunning = w.running
	return stats
}
