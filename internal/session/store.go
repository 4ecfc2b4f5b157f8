// Package session holds the caller identity and the process-wide store of
// account snapshots that quota decisions read.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
)

// Identity is the authenticated caller of one request
type Identity struct {
	AccountID string
	Role      domain.Role
	ExpiresAt time.Time
}

// Valid reports whether the identity is usable at now
func (id Identity) Valid(now time.Time) bool {
	if id.AccountID == "" {
		return false
	}
	return id.ExpiresAt.IsZero() || now.Before(id.ExpiresAt)
}

type identityKey struct{}

// WithIdentity returns ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, id)
	return context.WithValue(ctx, logger.AccountIDKey, id.AccountID)
}

// FromContext returns the identity on ctx or domain.ErrUnauthenticated
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || !id.Valid(time.Now()) {
		return Identity{}, domain.ErrUnauthenticated
	}
	return id, nil
}

// AccountLoader reads accounts from the system of record
type AccountLoader interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
}

// Store caches one immutable Account snapshot per account id. Readers get a
// copy; a billing change replaces the snapshot and notifies subscribers, so
// an operation that already read a snapshot keeps using it.
type Store struct {
	loader AccountLoader
	log    *logger.Logger

	group singleflight.Group

	mu       sync.RWMutex
	accounts map[string]domain.Account
	subs     map[string]map[uint64]chan domain.Account
	nextSub  uint64
}

// NewStore creates a new Store
func NewStore(loader AccountLoader, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		loader:   loader,
		log:      log.Named("session"),
		accounts: make(map[string]domain.Account),
		subs:     make(map[string]map[uint64]chan domain.Account),
	}
}

// Snapshot returns the current account snapshot, loading it on first use
func (s *Store) Snapshot(ctx context.Context, accountID string) (domain.Account, error) {
	s.mu.RLock()
	acct, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if ok {
		return acct, nil
	}

	v, err, _ := s.group.Do(accountID, func() (any, error) {
		acct, err := s.loader.GetAccount(context.WithoutCancel(ctx), accountID)
		if err != nil {
			return domain.Account{}, err
		}
		if err := acct.Validate(); err != nil {
			return domain.Account{}, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		// a billing update may have landed while the read was in flight
		if current, ok := s.accounts[accountID]; ok && !current.UpdatedAt.Before(acct.UpdatedAt) {
			return current, nil
		}
		s.accounts[accountID] = acct
		return acct, nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("account load failed", zap.String("account_id", accountID), zap.Error(err))
		}
		return domain.Account{}, err
	}
	return v.(domain.Account), nil
}

// Apply replaces the snapshot unless the cached one is newer and notifies
// subscribers. It reports whether the snapshot changed.
func (s *Store) Apply(acct domain.Account) bool {
	s.mu.Lock()
	if current, ok := s.accounts[acct.ID]; ok && current.UpdatedAt.After(acct.UpdatedAt) {
		s.mu.Unlock()
		return false
	}
	s.accounts[acct.ID] = acct
	// sends never block and run under the lock so unsubscribe cannot close a channel mid-send
	for _, ch := range s.subs[acct.ID] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- acct:
		default:
		}
	}
	s.mu.Unlock()

	s.log.Info("account snapshot replaced",
		zap.String("account_id", acct.ID),
		zap.String("plan", string(acct.Plan)),
		zap.String("status", string(acct.SubscriptionStatus)),
	)
	return true
}

// Forget drops the cached snapshot so the next read goes to the loader
func (s *Store) Forget(accountID string) {
	s.mu.Lock()
	delete(s.accounts, accountID)
	s.mu.Unlock()
}

// Subscribe returns a channel that receives the latest snapshot after each
// change. The returned function unsubscribes and closes the channel.
func (s *Store) Subscribe(accountID string) (<-chan domain.Account, func()) {
	ch := make(chan domain.Account, 1)

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	if s.subs[accountID] == nil {
		s.subs[accountID] = make(map[uint64]chan domain.Account)
	}
	s.subs[accountID][id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[accountID], id)
			if len(s.subs[accountID]) == 0 {
				delete(s.subs, accountID)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}
