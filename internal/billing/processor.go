// Package billing applies subscription changes reported by the payment
// processor to accounts and fans the resulting snapshots out to every
// replica's session store.
package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// AccountWriter persists billing updates
type AccountWriter interface {
	ApplyBilling(ctx context.Context, u domain.BillingUpdate) (domain.Account, error)
}

// SnapshotSink receives account snapshots after a change
type SnapshotSink interface {
	Apply(acct domain.Account) bool
}

// AccountPublisher announces an applied change to other replicas
type AccountPublisher interface {
	PublishAccount(ctx context.Context, acct domain.Account) error
}

// Processor applies billing updates exactly once per event id
type Processor struct {
	accounts AccountWriter
	sessions SnapshotSink
	dedupe   Deduper
	fanout   AccountPublisher
	log      *logger.Logger
	metrics  *telemetry.SyncMetrics
}

// NewProcessor creates a new Processor. fanout may be nil on a single replica.
func NewProcessor(accounts AccountWriter, sessions SnapshotSink, dedupe Deduper, fanout AccountPublisher, log *logger.Logger, metrics *telemetry.SyncMetrics) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{
		accounts: accounts,
		sessions: sessions,
		dedupe:   dedupe,
		fanout:   fanout,
		log:      log.Named("billing"),
		metrics:  metrics,
	}
}

// Apply de-duplicates u by event id, persists it unless a later event was
// already applied, and replaces the account's session snapshot. Operations
// that already read the old snapshot keep it.
func (p *Processor) Apply(ctx context.Context, u domain.BillingUpdate) (domain.Account, error) {
	ctx, span := telemetry.StartSpan(ctx, "billing.apply")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, telemetry.AccountIDAttr(u.AccountID), telemetry.PlanAttr(string(u.NewPlan)))

	acct, outcome, err := p.apply(ctx, u)
	p.metrics.BillingEvent(ctx, outcome)
	if err != nil && outcome == "error" {
		telemetry.SetSpanError(ctx, err)
	}
	return acct, err
}

func (p *Processor) apply(ctx context.Context, u domain.BillingUpdate) (domain.Account, string, error) {
	log := p.log.WithContext(ctx).WithFields(
		zap.String("event_id", u.EventID),
		zap.String("account_id", u.AccountID),
	)

	if err := u.Validate(); err != nil {
		log.Warn("rejecting malformed billing event", zap.Error(err))
		return domain.Account{}, "malformed", err
	}

	claimed, err := p.dedupe.Claim(ctx, u.EventID)
	if err != nil {
		return domain.Account{}, "error", err
	}
	if !claimed {
		log.Info("duplicate billing event ignored")
		return domain.Account{}, "duplicate", fmt.Errorf("event %s: %w", u.EventID, domain.ErrDuplicateEvent)
	}

	acct, err := p.accounts.ApplyBilling(ctx, u)
	if errors.Is(err, domain.ErrStaleEvent) {
		// later state is already applied; keep the claim so redeliveries stay no-ops
		p.commit(ctx, log, u.EventID)
		log.Info("stale billing event ignored", zap.Time("occurred_at", u.OccurredAt))
		return acct, "stale", fmt.Errorf("event %s: %w", u.EventID, domain.ErrStaleEvent)
	}
	if err != nil {
		if rerr := p.dedupe.Release(context.WithoutCancel(ctx), u.EventID); rerr != nil {
			log.Error("releasing billing event claim failed", zap.Error(rerr))
		}
		log.Error("applying billing event failed", zap.Error(err))
		return domain.Account{}, "error", err
	}
	p.commit(ctx, log, u.EventID)

	p.sessions.Apply(acct)
	if p.fanout != nil {
		if err := p.fanout.PublishAccount(ctx, acct); err != nil {
			// already persisted; only other replicas miss the change
			log.Error("publishing account change failed", zap.Error(err))
		}
	}
	log.Info("billing event applied",
		zap.String("plan", string(acct.Plan)),
		zap.String("status", string(acct.SubscriptionStatus)),
	)
	return acct, "applied", nil
}

// commit failures are logged only. The processing claim lapses and a
// redelivery writes the same plan and status again.
func (p *Processor) commit(ctx context.Context, log *logger.Logger, eventID string) {
	if err := p.dedupe.Commit(context.WithoutCancel(ctx), eventID); err != nil {
		log.Error("committing billing event claim failed", zap.Error(err))
	}
}
