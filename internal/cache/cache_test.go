package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPutRoundTrip(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute})
	c.Put("fp1", Artifact{Body: "hello", Mode: "raw"})

	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Body)
}

func TestGetMissesAfterTTL(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Millisecond})
	c.Put("fp1", Artifact{Body: "hello"})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("fp1")
	assert.False(t, ok)
}

func TestLRUEvictsOldestOverCapacity(t *testing.T) {
	c := New(Config{Capacity: 2, TTL: time.Minute})
	c.Put("a", Artifact{Body: 1})
	c.Put("b", Artifact{Body: 2})
	c.Put("c", Artifact{Body: 3})

	_, ok := c.Get("a")
	assert.False(t, ok, "a should have been evicted")

	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestComputeCoalescesConcurrentMisses(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute})

	var calls int32
	fn := func(ctx context.Context) (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return Artifact{Body: "computed"}, nil
	}

	var wg sync.WaitGroup
	results := make([]Artifact, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			artifact, err := c.Compute(context.Background(), "shared-fp", fn)
			require.NoError(t, err)
			results[i] = artifact
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "computed", r.Body)
	}
}

func TestComputeDoesNotCacheLeaderError(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute})

	failing := true
	fn := func(ctx context.Context) (Artifact, error) {
		if failing {
			return Artifact{}, assert.AnError
		}
		return Artifact{Body: "ok"}, nil
	}

	_, err := c.Compute(context.Background(), "fp", fn)
	require.Error(t, err)

	failing = false
	artifact, err := c.Compute(context.Background(), "fp", fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", artifact.Body)
}

func TestNotifyBackendErrorInvalidatesWhenConfigured(t *testing.T) {
	c := New(Config{Capacity: 10, TTL: time.Minute, InvalidateOnBackendError: true})
	c.Put("fp1", Artifact{Body: "hello"})

	c.NotifyBackendError()

	_, ok := c.Get("fp1")
	assert.False(t, ok)
}
