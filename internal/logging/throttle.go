package logging

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleInterval is how often a single throttled key may log.
	DefaultThrottleInterval = time.Minute

	// DefaultMaxThrottledKeys bounds the number of keys tracked at once.
	DefaultMaxThrottledKeys = 1024
)

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle lets a diagnostic identified by a key through at most once per
// interval. A nil *Throttle never suppresses anything.
type Throttle struct {
	mu       sync.Mutex
	entries  map[string]*throttleEntry
	interval time.Duration
	maxKeys  int
}

// NewThrottle returns a Throttle. Non-positive arguments select the defaults.
func NewThrottle(interval time.Duration, maxKeys int) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxThrottledKeys
	}
	return &Throttle{
		entries:  make(map[string]*throttleEntry),
		interval: interval,
		maxKeys:  maxKeys,
	}
}

// Do runs fn unless key already ran within the interval.
func (t *Throttle) Do(key string, fn func()) {
	if t == nil {
		fn()
		return
	}
	if t.allow(key, time.Now()) {
		fn()
	}
}

func (t *Throttle) allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		if len(t.entries) >= t.maxKeys {
			t.evictOldestLocked()
		}
		e = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (t *Throttle) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, e := range t.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastSeen
			first = false
		}
	}
	if !first {
		delete(t.entries, oldestKey)
	}
}
