package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowConsumesTokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	defer l.Close()

	assert.True(t, l.Allow("loki_query_logs", "alice"))
	assert.True(t, l.Allow("loki_query_logs", "alice"))
	assert.False(t, l.Allow("loki_query_logs", "alice"))
}

func TestAllowIsPerToolAndIdentity(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	defer l.Close()

	assert.True(t, l.Allow("loki_query_logs", "alice"))
	assert.True(t, l.Allow("loki_query_metrics", "alice"))
	assert.True(t, l.Allow("loki_query_logs", "bob"))
}

func TestPerToolOverrideAppliesTighterBudget(t *testing.T) {
	l := New(Config{
		RPS:   100,
		Burst: 100,
		Overrides: map[string]ToolLimit{
			"loki_tail": {RPS: 1, Burst: 1},
		},
	})
	defer l.Close()

	assert.True(t, l.Allow("loki_tail", "alice"))
	assert.False(t, l.Allow("loki_tail", "alice"))
	assert.True(t, l.Allow("loki_query_logs", "alice"))
}

func TestEvictIdleDropsStaleBuckets(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, EvictionWindow: time.Minute})
	defer l.Close()

	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	l.Allow("loki_query_logs", "alice")
	l.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	l.evictIdle()

	l.mu.Lock()
	_, exists := l.buckets[bucketKey{tool: "loki_query_logs", identity: "alice"}]
	l.mu.Unlock()
	assert.False(t, exists)
}
