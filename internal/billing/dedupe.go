package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultDedupeTTL covers the payment processor's redelivery window
	DefaultDedupeTTL = 72 * time.Hour
	// DefaultProcessingTTL bounds how long an uncommitted claim blocks
	// redeliveries after a crash between claim and persist
	DefaultProcessingTTL = 2 * time.Minute
)

// Deduper claims event ids so each event is applied once
type Deduper interface {
	// Claim returns true when eventID is neither committed nor being processed.
	// The claim lapses after the processing TTL unless committed.
	Claim(ctx context.Context, eventID string) (bool, error)
	// Commit keeps the claim for the full dedupe TTL once the event is persisted
	Commit(ctx context.Context, eventID string) error
	// Release forgets a claim so a redelivery can retry
	Release(ctx context.Context, eventID string) error
}

func processingTTL(ttl time.Duration) time.Duration {
	if ttl < DefaultProcessingTTL {
		return ttl
	}
	return DefaultProcessingTTL
}

// RedisDeduper claims event ids with SET NX so every replica shares one view
type RedisDeduper struct {
	client     *redis.Client
	ttl        time.Duration
	processing time.Duration
}

// NewRedisDeduper creates a new RedisDeduper
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl, processing: processingTTL(ttl)}
}

func dedupeKey(eventID string) string {
	return "billing:event:" + eventID
}

// Claim sets the event key to "processing" if it is absent
func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	isNew, err := d.client.SetNX(ctx, dedupeKey(eventID), "processing", d.processing).Result()
	if err != nil {
		return false, fmt.Errorf("claim billing event %s: %w", eventID, err)
	}
	return isNew, nil
}

// Commit marks the event applied and extends the key to the dedupe TTL
func (d *RedisDeduper) Commit(ctx context.Context, eventID string) error {
	value := "applied:" + time.Now().UTC().Format(time.RFC3339)
	if err := d.client.Set(ctx, dedupeKey(eventID), value, d.ttl).Err(); err != nil {
		return fmt.Errorf("commit billing event %s: %w", eventID, err)
	}
	return nil
}

// Release deletes the event key
func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, dedupeKey(eventID)).Err(); err != nil {
		return fmt.Errorf("release billing event %s: %w", eventID, err)
	}
	return nil
}

// MemoryDeduper is a single-process Deduper
type MemoryDeduper struct {
	ttl        time.Duration
	processing time.Duration
	now        func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMemoryDeduper creates a new MemoryDeduper
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{
		ttl:        ttl,
		processing: processingTTL(ttl),
		now:        time.Now,
		claims:     make(map[string]time.Time),
	}
}

// Claim records eventID unless an unexpired claim exists
func (d *MemoryDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if expires, ok := d.claims[eventID]; ok && now.Before(expires) {
		return false, nil
	}
	d.claims[eventID] = now.Add(d.processing)
	return true, nil
}

// Commit extends the claim on eventID to the dedupe TTL
func (d *MemoryDeduper) Commit(ctx context.Context, eventID string) error {
	d.mu.Lock()
	d.claims[eventID] = d.now().Add(d.ttl)
	d.mu.Unlock()
	return nil
}

// Release forgets eventID
func (d *MemoryDeduper) Release(ctx context.Context, eventID string) error {
	d.mu.Lock()
	delete(d.claims, eventID)
	d.mu.Unlock()
	return nil
}
