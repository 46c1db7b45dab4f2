// Package notify fans out "flags changed" signals to host listeners.
package notify

import (
	"log/slog"
	"sync"

	"github.com/matt-riley/unchain/internal/metrics"
)

// Listener is called with the project whose flags changed.
type Listener func(projectID string)

type subscription struct {
	listener Listener
}

// Notifier calls listeners synchronously, in subscription order. A panicking
// listener is logged and skipped; the remaining listeners still run.
type Notifier struct {
	mu        sync.RWMutex
	listeners []*subscription
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(logger *slog.Logger, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger, metrics: m}
}

// Subscribe registers listener and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (n *Notifier) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	sub := &subscription{listener: listener}

	n.mu.Lock()
	n.listeners = append(n.listeners, sub)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(sub) })
	}
}

func (n *Notifier) remove(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.listeners {
		if s == sub {
			// Copy so snapshots taken by Notify stay valid.
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return
		}
	}
}

func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

// Notify calls every current listener with projectID.
func (n *Notifier) Notify(projectID string) {
	n.mu.RLock()
	snapshot := n.listeners
	n.mu.RUnlock()

	for _, sub := range snapshot {
		n.call(sub.listener, projectID)
	}
}

func (n *Notifier) call(listener Listener, projectID string) {
	defer func() {
		if r := recover(); r != nil {
			n.metrics.IncListenerFailures()
			n.logger.Error("change listener panicked",
				slog.String("project_id", projectID),
				slog.Any("panic", r),
			)
		}
	}()
	listener(projectID)
}
