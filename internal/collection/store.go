package collection

import (
	"context"
	"time"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// Store bundles one registry per mirrored table
type Store struct {
	Properties    *Registry[domain.Property]
	Units         *Registry[domain.Unit]
	Leases        *Registry[domain.Lease]
	Maintenance   *Registry[domain.MaintenanceRequest]
	Conversations *Registry[domain.Conversation]
	Messages      *Registry[domain.Message]
}

// ReconcileResult summarises one maintenance pass over the store
type ReconcileResult struct {
	Reloaded  int
	Recovered int
	Evicted   int
	Scopes    int
}

type maintainable interface {
	ReloadStale(ctx context.Context) (int, int)
	EvictIdle(now time.Time) int
	Len() int
	Close()
}

// NewStore creates registries for every table of b
func NewStore(b *backend.Backend, feed Subscriber, cfg Config, log *logger.Logger, metrics *telemetry.SyncMetrics) *Store {
	return &Store{
		Properties:    NewRegistry(b.Properties, feed, cfg, log, metrics),
		Units:         NewRegistry(b.Units, feed, cfg, log, metrics),
		Leases:        NewRegistry(b.Leases, feed, cfg, log, metrics),
		Maintenance:   NewRegistry(b.Maintenance, feed, cfg, log, metrics),
		Conversations: NewRegistry(b.Conversations, feed, cfg, log, metrics),
		Messages:      NewRegistry(b.Messages, feed, cfg, log, metrics),
	}
}

func (s *Store) registries() []maintainable {
	return []maintainable{s.Properties, s.Units, s.Leases, s.Maintenance, s.Conversations, s.Messages}
}

// Reconcile reloads collections in error or with missed refetches once and
// evicts scopes idle past their TTL
func (s *Store) Reconcile(ctx context.Context, now time.Time) ReconcileResult {
	var res ReconcileResult
	for _, r := range s.registries() {
		reloaded, recovered := r.ReloadStale(ctx)
		res.Reloaded += reloaded
		res.Recovered += recovered
		res.Evicted += r.EvictIdle(now)
		res.Scopes += r.Len()
	}
	return res
}

// Close tears down every registry
func (s *Store) Close() {
	for _, r := range s.registries() {
		r.Close()
	}
}
