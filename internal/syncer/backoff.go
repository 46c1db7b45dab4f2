package syncer

import (
	"context"
	"sync/atomic"
	"time"
)

// Stream reconnect bounds.
const (
	InitialBackoff = 10 * time.Second
	MinBackoff     = 10 * time.Second
	MaxBackoff     = time.Hour

	backoffIncrease = 1.25
)

// Backoff is the stream reconnect delay. It grows by a quarter on every rate
// limited response and halves on every successful connect, always staying
// within [MinBackoff, MaxBackoff]. Updates come from a single goroutine;
// Current may be read from anywhere.
type Backoff struct {
	current atomic.Int64
}

func NewBackoff() *Backoff {
	b := &Backoff{}
	b.current.Store(int64(InitialBackoff))
	return b
}

func (b *Backoff) Current() time.Duration {
	return time.Duration(b.current.Load())
}

// RateLimited applies a 429 response and returns the new delay.
func (b *Backoff) RateLimited() time.Duration {
	next := min(time.Duration(float64(b.Current())*backoffIncrease), MaxBackoff)
	b.current.Store(int64(next))
	return next
}

// Connected applies a 200 response and returns the new delay.
func (b *Backoff) Connected() time.Duration {
	next := max(b.Current()/2, MinBackoff)
	b.current.Store(int64(next))
	return next
}

// Interval is the poll period shared between the poll loop and readers such
// as metrics. The server may change it at runtime.
type Interval struct {
	value atomic.Int64
}

func NewInterval(d time.Duration) *Interval {
	i := &Interval{}
	i.value.Store(int64(d))
	return i
}

func (i *Interval) Get() time.Duration {
	return time.Duration(i.value.Load())
}

// Set adopts d when it is positive, reporting whether the value changed.
func (i *Interval) Set(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	return i.value.Swap(int64(d)) != int64(d)
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
