package telemetry

import (
	"context"
	"time"
)

// SyncMetrics is the instrument set shared by the quota, collection, feed,
// gateway and billing components. A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	QuotaDecisions   *Counter
	Mutations        *Counter
	MutationDuration *Histogram
	FeedEvents       *Counter
	Reloads          *Counter
	BillingEvents    *Counter
	ActiveScopes     *UpDownCounter
}

// NewSyncMetrics registers the sync instruments on the global meter
func NewSyncMetrics() (*SyncMetrics, error) {
	var (
		m   SyncMetrics
		err error
	)
	if m.QuotaDecisions, err = NewCounter(MetricOpts{
		Name:        "quota_decisions_total",
		Description: "Quota evaluations by resource kind, plan and decision",
		Unit:        "1",
	}); err != nil {
		return nil, err
	}
	if m.Mutations, err = NewCounter(MetricOpts{
		Name:        "mutations_total",
		Description: "Gateway mutations by operation and outcome",
		Unit:        "1",
	}); err != nil {
		return nil, err
	}
	if m.MutationDuration, err = NewHistogram(MetricOpts{
		Name:        "mutation_duration_seconds",
		Description: "Backend write latency seen by the gateway",
		Unit:        "s",
	}); err != nil {
		return nil, err
	}
	if m.FeedEvents, err = NewCounter(MetricOpts{
		Name:        "feed_events_total",
		Description: "Change feed notifications by table and outcome",
		Unit:        "1",
	}); err != nil {
		return nil, err
	}
	if m.Reloads, err = NewCounter(MetricOpts{
		Name:        "collection_reloads_total",
		Description: "Full collection loads by table and outcome",
		Unit:        "1",
	}); err != nil {
		return nil, err
	}
	if m.BillingEvents, err = NewCounter(MetricOpts{
		Name:        "billing_events_total",
		Description: "Billing webhook events by outcome",
		Unit:        "1",
	}); err != nil {
		return nil, err
	}
	if m.ActiveScopes, err = NewUpDownCounter(MetricOpts{
		Name:        "collection_active_scopes",
		Description: "Scopes currently held by at least one subscriber",
		Unit:        "1",
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

// QuotaDecision records one quota evaluation
func (m *SyncMetrics) QuotaDecision(ctx context.Context, kind, plan string, allowed bool) {
	if m == nil {
		return
	}
	m.QuotaDecisions.Inc(ctx, ResourceKindAttr(kind), PlanAttr(plan), DecisionAttr(allowed))
}

// Mutation records one gateway mutation outcome and its duration
func (m *SyncMetrics) Mutation(ctx context.Context, op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Mutations.Inc(ctx, OperationAttr(op), OutcomeAttr(outcome))
	m.MutationDuration.Record(ctx, took.Seconds(), OperationAttr(op))
}

// FeedEvent records one change feed notification outcome
func (m *SyncMetrics) FeedEvent(ctx context.Context, table, outcome string) {
	if m == nil {
		return
	}
	m.FeedEvents.Inc(ctx, TableAttr(table), OutcomeAttr(outcome))
}

// Reload records one full collection load
func (m *SyncMetrics) Reload(ctx context.Context, table, outcome string) {
	if m == nil {
		return
	}
	m.Reloads.Inc(ctx, TableAttr(table), OutcomeAttr(outcome))
}

// BillingEvent records one billing webhook event outcome
func (m *SyncMetrics) BillingEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.BillingEvents.Inc(ctx, OutcomeAttr(outcome))
}

// ScopeAcquired adjusts the active scope gauge
func (m *SyncMetrics) ScopeAcquired(ctx context.Context, table string, delta int64) {
	if m == nil {
		return
	}
	m.ActiveScopes.Add(ctx, delta, TableAttr(table))
}
