package billing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Hour)
	d.now = func() time.Time { return now }

	ok, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	ok, err = d.Claim(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, ok, "ids are independent")

	require.NoError(t, d.Release(ctx, "evt_1"))
	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken again")

	now = now.Add(2 * time.Hour)
	ok, err = d.Claim(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, ok, "expired claim can be taken again")
}

func TestMemoryDeduper_UncommittedClaimLapses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(72 * time.Hour)
	d.now = func() time.Time { return now }

	ok, err := d.Claim(ctx, "evt_crashed")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.Claim(ctx, "evt_done")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Commit(ctx, "evt_done"))

	now = now.Add(DefaultProcessingTTL + time.Second)

	ok, err = d.Claim(ctx, "evt_crashed")
	require.NoError(t, err)
	assert.True(t, ok, "a claim never committed stops blocking redeliveries")

	ok, err = d.Claim(ctx, "evt_done")
	require.NoError(t, err)
	assert.False(t, ok, "a committed claim lasts the dedupe TTL")
}

func TestNewMemoryDeduper_DefaultTTL(t *testing.T) {
	tests := []struct {
		name           string
		ttl            time.Duration
		wantTTL        time.Duration
		wantProcessing time.Duration
	}{
		{"zero uses default", 0, DefaultDedupeTTL, DefaultProcessingTTL},
		{"short ttl caps processing", time.Minute, time.Minute, time.Minute},
		{"long ttl", time.Hour, time.Hour, DefaultProcessingTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMemoryDeduper(tt.ttl)
			assert.Equal(t, tt.wantTTL, d.ttl)
			assert.Equal(t, tt.wantProcessing, d.processing)
		})
	}
}

func TestRedisDeduper_Unreachable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := NewRedisDeduper(client, time.Minute)
	ok, err := d.Claim(ctx, "evt_1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRedisDeduper_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	addr := "localhost:6379"
	if v := os.Getenv("TEST_REDIS_ADDR"); v != "" {
		addr = v
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	d := NewRedisDeduper(client, time.Hour)
	eventID := "evt_" + uuid.NewString()
	defer func() { _ = d.Release(ctx, eventID) }()

	ok, err := d.Claim(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, dedupeKey(eventID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, DefaultProcessingTTL, "uncommitted claims are short-lived")

	require.NoError(t, d.Commit(ctx, eventID))
	ttl, err = client.TTL(ctx, dedupeKey(eventID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, DefaultProcessingTTL)
	ok, err = d.Claim(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, eventID))
	ok, err = d.Claim(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, ok)
}
