// Package ratelimit implements per-tool, per-identity token-bucket rate
// limiting, following the same lazily-created-limiter-map-with-idle-sweep
// pattern the teacher's middleware package uses for per-client limiting,
// generalized to a (tool, identity) key and a global per-identity fallback
// bucket.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultEvictionWindow is how long a bucket may sit idle before the
// cleanup sweep drops it.
const DefaultEvictionWindow = 5 * time.Minute

// Config configures the limiter. Overrides maps a tool name to a
// (rps, burst) pair that supersedes the defaults for that tool.
type Config struct {
	RPS             float64
	Burst           int
	EvictionWindow  time.Duration
	CleanupInterval time.Duration
	Overrides       map[string]ToolLimit
}

// ToolLimit overrides the default rate/burst for a single tool.
type ToolLimit struct {
	RPS   float64
	Burst int
}

type bucketKey struct {
	tool     string
	identity string
}

// Limiter enforces token-bucket limits per (tool, identity), with a global
// fallback bucket keyed on identity alone so an unrecognized tool name
// still consumes budget.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[bucketKey]*rate.Limiter
	lastSeen   map[bucketKey]time.Time
	global     map[string]*rate.Limiter
	globalSeen map[string]time.Time

	cfg Config
	now func() time.Time

	stop chan struct{}
}

// New starts a Limiter and its background eviction sweep.
func New(cfg Config) *Limiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.EvictionWindow <= 0 {
		cfg.EvictionWindow = DefaultEvictionWindow
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	l := &Limiter{
		buckets:    make(map[bucketKey]*rate.Limiter),
		lastSeen:   make(map[bucketKey]time.Time),
		global:     make(map[string]*rate.Limiter),
		globalSeen: make(map[string]time.Time),
		cfg:        cfg,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Close stops the background eviction sweep.
func (l *Limiter) Close() {
	close(l.stop)
}

// Allow reports whether a request for tool from identity may proceed,
// consuming one token from the per-(tool,identity) bucket and the global
// per-identity fallback bucket.
func (l *Limiter) Allow(tool, identity string) bool {
	perTool := l.bucketFor(tool, identity)
	if !perTool.Allow() {
		return false
	}

	fallback := l.globalFor(identity)
	return fallback.Allow()
}

func (l *Limiter) bucketFor(tool, identity string) *rate.Limiter {
	key := bucketKey{tool: tool, identity: identity}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen[key] = l.now()

	limiter, ok := l.buckets[key]
	if !ok {
		rps, burst := l.cfg.RPS, l.cfg.Burst
		if override, ok := l.cfg.Overrides[tool]; ok {
			if override.RPS > 0 {
				rps = override.RPS
			}
			if override.Burst > 0 {
				burst = override.Burst
			}
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		l.buckets[key] = limiter
	}
	return limiter
}

func (l *Limiter) globalFor(identity string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.globalSeen[identity] = l.now()

	limiter, ok := l.global[identity]
	if !ok {
		// Global fallback budget is generous relative to any single-tool
		// bucket: it exists to bound total request volume per identity,
		// not to be the primary limiting factor.
		limiter = rate.NewLimiter(rate.Limit(l.cfg.RPS*10), l.cfg.Burst*10)
		l.global[identity] = limiter
	}
	return limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	threshold := l.now().Add(-l.cfg.EvictionWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, seen := range l.lastSeen {
		if seen.Before(threshold) {
			delete(l.buckets, key)
			delete(l.lastSeen, key)
		}
	}
	for identity, seen := range l.globalSeen {
		if seen.Before(threshold) {
			delete(l.global, identity)
			delete(l.globalSeen, identity)
		}
	}
}
