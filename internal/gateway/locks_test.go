package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("owner-1/property")
			defer unlock()
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, k.len(), "idle keys are dropped")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestIdempotencyCache(t *testing.T) {
	c := newIdempotencyCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	calls := 0
	fn := func() (any, error) {
		calls++
		return calls, nil
	}

	v, err := c.Do("k", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = c.Do("k", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "replayed")
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	v, err = c.Do("k", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "expired results run again")
}

func TestIdempotencyCache_FailuresAreNotCached(t *testing.T) {
	c := newIdempotencyCache(time.Minute)
	boom := errors.New("boom")

	_, err := c.Do("k", func() (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	v, err := c.Do("k", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestIdempotencyCache_Sweep(t *testing.T) {
	c := newIdempotencyCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, _ = c.Do("a", func() (any, error) { return 1, nil })
	_, _ = c.Do("b", func() (any, error) { return 2, nil })
	assert.Zero(t, c.Sweep())

	now = now.Add(time.Hour)
	assert.Equal(t, 2, c.Sweep())
}
