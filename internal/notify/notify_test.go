package notify

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/unchain/internal/metrics"
)

func newTestNotifier(m *metrics.Metrics) *Notifier {
	return New(slog.New(slog.DiscardHandler), m)
}

func TestNotifyCallsListenersInOrder(t *testing.T) {
	n := newTestNotifier(nil)

	var calls []string
	n.Subscribe(func(projectID string) { calls = append(calls, "first:"+projectID) })
	n.Subscribe(func(projectID string) { calls = append(calls, "second:"+projectID) })

	n.Notify("p1")

	want := []string{"first:p1", "second:p1"}
	if !slices.Equal(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	m := metrics.New()
	n := newTestNotifier(m)

	var after atomic.Int32
	n.Subscribe(func(string) { after.Add(1) })
	n.Subscribe(func(string) { panic("listener bug") })
	n.Subscribe(func(string) { after.Add(1) })

	n.Notify("p1")
	n.Notify("p1")

	if got := after.Load(); got != 4 {
		t.Fatalf("expected healthy listeners called 4 times, got %d", got)
	}
	if got := testutil.ToFloat64(m.ListenerFailuresTotal); got != 2 {
		t.Fatalf("expected 2 listener failures, got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	n := newTestNotifier(nil)

	var a, b atomic.Int32
	unsubscribeA := n.Subscribe(func(string) { a.Add(1) })
	n.Subscribe(func(string) { b.Add(1) })

	n.Notify("p1")
	unsubscribeA()
	unsubscribeA()
	n.Notify("p1")

	if a.Load() != 1 || b.Load() != 2 {
		t.Fatalf("unexpected call counts a=%d b=%d", a.Load(), b.Load())
	}
	if n.Len() != 1 {
		t.Fatalf("expected 1 listener, got %d", n.Len())
	}
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	n := newTestNotifier(nil)

	var second atomic.Int32
	var unsubscribe func()
	unsubscribe = n.Subscribe(func(string) { unsubscribe() })
	n.Subscribe(func(string) { second.Add(1) })

	n.Notify("p1")
	n.Notify("p1")

	if got := second.Load(); got != 2 {
		t.Fatalf("expected second listener called twice, got %d", got)
	}
}

func TestNilListener(t *testing.T) {
	n := newTestNotifier(nil)
	n.Subscribe(nil)()
	n.Notify("p1")
	if n.Len() != 0 {
		t.Fatal("expected nil listener to be ignored")
	}
}

func TestConcurrentSubscribeAndNotify(t *testing.T) {
	n := newTestNotifier(nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				n.Subscribe(func(string) {})()
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				n.Notify("p1")
			}
		}()
	}
	wg.Wait()

	if n.Len() != 0 {
		t.Fatalf("expected all listeners removed, got %d", n.Len())
	}
}
