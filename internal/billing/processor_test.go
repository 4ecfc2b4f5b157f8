package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/session"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.Account
	err       error
}

func (p *recordingPublisher) PublishAccount(ctx context.Context, acct domain.Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, acct)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type processorFixture struct {
	accounts  *backend.MemoryAccounts
	sessions  *session.Store
	publisher *recordingPublisher
	processor *Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	accounts := backend.NewMemoryAccounts()
	_, err := accounts.CreateAccount(context.Background(), domain.Account{
		ID: "acct-1", Email: "owner@example.com", Plan: domain.PlanFree, SubscriptionStatus: domain.StatusActive,
	})
	require.NoError(t, err)

	sessions := session.NewStore(accounts, nil)
	publisher := &recordingPublisher{}
	return &processorFixture{
		accounts:  accounts,
		sessions:  sessions,
		publisher: publisher,
		processor: NewProcessor(accounts, sessions, NewMemoryDeduper(time.Hour), publisher, nil, nil),
	}
}

func upgrade(eventID string, at time.Time) domain.BillingUpdate {
	return domain.BillingUpdate{
		EventID:    eventID,
		AccountID:  "acct-1",
		NewPlan:    domain.PlanPremium,
		NewStatus:  domain.StatusActive,
		OccurredAt: at,
	}
}

func TestProcessor_AppliesAndReplacesSnapshot(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	before, err := f.sessions.Snapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFree, before.Plan)

	acct, err := f.processor.Apply(ctx, upgrade("evt_1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, acct.Plan)

	after, err := f.sessions.Snapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, after.Plan)
	assert.Equal(t, domain.PlanFree, before.Plan, "a snapshot already read is unchanged")
	assert.Equal(t, 1, f.publisher.count())
}

func TestProcessor_DuplicateIsNoop(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	u := upgrade("evt_1", time.Now())

	_, err := f.processor.Apply(ctx, u)
	require.NoError(t, err)

	_, err = f.processor.Apply(ctx, u)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Equal(t, 1, f.publisher.count())
}

func TestProcessor_CommitsClaimAfterPersist(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	now := time.Now()
	dedupe := NewMemoryDeduper(time.Hour)
	dedupe.now = func() time.Time { return now }
	f.processor.dedupe = dedupe

	u := upgrade("evt_1", now)
	_, err := f.processor.Apply(ctx, u)
	require.NoError(t, err)

	now = now.Add(DefaultProcessingTTL + time.Minute)
	_, err = f.processor.Apply(ctx, u)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent, "an applied event stays claimed past the processing window")
	assert.Equal(t, 1, f.publisher.count())
}

func TestProcessor_StaleEventKeepsLaterState(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	later := time.Now()

	_, err := f.processor.Apply(ctx, upgrade("evt_2", later))
	require.NoError(t, err)

	stale := domain.BillingUpdate{
		EventID:    "evt_1",
		AccountID:  "acct-1",
		NewPlan:    domain.PlanFree,
		NewStatus:  domain.StatusCancelled,
		OccurredAt: later.Add(-time.Minute),
	}
	_, err = f.processor.Apply(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrStaleEvent)

	acct, err := f.accounts.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, acct.Plan)

	_, err = f.processor.Apply(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent, "stale events stay claimed")
}

func TestProcessor_FailureReleasesClaim(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	u := upgrade("evt_1", time.Now())
	u.AccountID = "acct-2"

	_, err := f.processor.Apply(ctx, u)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.accounts.CreateAccount(ctx, domain.Account{
		ID: "acct-2", Plan: domain.PlanFree, SubscriptionStatus: domain.StatusActive,
	})
	require.NoError(t, err)

	acct, err := f.processor.Apply(ctx, u)
	require.NoError(t, err, "redelivery after a failure is retried")
	assert.Equal(t, domain.PlanPremium, acct.Plan)
}

func TestProcessor_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.BillingUpdate)
	}{
		{"missing event id", func(u *domain.BillingUpdate) { u.EventID = "" }},
		{"missing account", func(u *domain.BillingUpdate) { u.AccountID = "" }},
		{"unknown plan", func(u *domain.BillingUpdate) { u.NewPlan = "gold" }},
		{"unknown status", func(u *domain.BillingUpdate) { u.NewStatus = "frozen" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t)
			u := upgrade("evt_1", time.Now())
			tt.mutate(&u)

			_, err := f.processor.Apply(context.Background(), u)
			assert.ErrorIs(t, err, domain.ErrMalformedRow)
			assert.Zero(t, f.publisher.count())
		})
	}
}

func TestProcessor_PublishFailureStillApplies(t *testing.T) {
	f := newProcessorFixture(t)
	f.publisher.err = errors.New("broker down")
	ctx := context.Background()

	_, err := f.processor.Apply(ctx, upgrade("evt_1", time.Now()))
	require.NoError(t, err)

	acct, err := f.sessions.Snapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPremium, acct.Plan)
}

func TestProcessor_ConcurrentRedeliveryAppliesOnce(t *testing.T) {
	f := newProcessorFixture(t)
	u := upgrade("evt_1", time.Now())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.processor.Apply(context.Background(), u); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.publisher.count())
}
