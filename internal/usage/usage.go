// Package usage counts impressions of impression-tracked flags and reports
// them to the API in periodic batches.
//
// Delivery is at least once: a batch that fails to send is added back to the
// live counters and retried with the next flush. A request that reached the
// server but failed on the way back is therefore counted twice.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/matt-riley/unchain/internal/metrics"
	"github.com/matt-riley/unchain/internal/transport"
)

const (
	DefaultInitialDelay = 30 * time.Second
	DefaultInterval     = 10 * time.Minute
	finalFlushTimeout   = 3 * time.Second
)

var tracer = otel.Tracer("github.com/matt-riley/unchain/internal/usage")

// Reporter delivers one batch of counts.
type Reporter interface {
	ReportMetrics(ctx context.Context, records []transport.MetricRecord) error
}

type key struct {
	project     string
	flag        string
	environment string
}

// Aggregator holds per (project, flag, environment) counters.
type Aggregator struct {
	counters sync.Map // key -> *atomic.Int64
	reporter Reporter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	initialDelay time.Duration
	interval     time.Duration
}

type Option func(*Aggregator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSchedule sets the delay before the first flush and the flush period.
// Non-positive values keep the defaults.
func WithSchedule(initialDelay, interval time.Duration) Option {
	return func(a *Aggregator) {
		if initialDelay > 0 {
			a.initialDelay = initialDelay
		}
		if interval > 0 {
			a.interval = interval
		}
	}
}

func New(reporter Reporter, opts ...Option) *Aggregator {
	a := &Aggregator{
		reporter:     reporter,
		logger:       slog.Default(),
		now:          time.Now,
		initialDelay: DefaultInitialDelay,
		interval:     DefaultInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) counter(k key) *atomic.Int64 {
	if c, ok := a.counters.Load(k); ok {
		return c.(*atomic.Int64)
	}
	c, _ := a.counters.LoadOrStore(k, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Record counts one impression. It never blocks on I/O.
func (a *Aggregator) Record(projectID, flagName, environment string) {
	a.counter(key{projectID, flagName, environment}).Add(1)
}

// Count returns the unreported count for one key.
func (a *Aggregator) Count(projectID, flagName, environment string) int64 {
	c, ok := a.counters.Load(key{projectID, flagName, environment})
	if !ok {
		return 0
	}
	return c.(*atomic.Int64).Load()
}

// Pending returns the total of all unreported counts.
func (a *Aggregator) Pending() int64 {
	var total int64
	a.counters.Range(func(_, value any) bool {
		total += value.(*atomic.Int64).Load()
		return true
	})
	return total
}

type taken struct {
	key   key
	count int64
}

// Flush reports every non-zero counter. On failure the reported counts are
// added back and the error is returned.
func (a *Aggregator) Flush(ctx context.Context) error {
	var snapshot []taken
	a.counters.Range(func(k, value any) bool {
		if n := value.(*atomic.Int64).Swap(0); n > 0 {
			snapshot = append(snapshot, taken{key: k.(key), count: n})
		}
		return true
	})
	if len(snapshot) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "usage.Flush")
	defer span.End()
	span.SetAttributes(attribute.Int("unchain.metric.buckets", len(snapshot)))

	timestamp := a.now()
	records := make([]transport.MetricRecord, len(snapshot))
	for i, t := range snapshot {
		records[i] = transport.MetricRecord{
			ProjectID:   t.key.project,
			FeatureName: t.key.flag,
			Environment: t.key.environment,
			Count:       t.count,
			Timestamp:   timestamp,
		}
	}

	err := a.reporter.ReportMetrics(ctx, records)
	a.metrics.RecordMetricReport(err)
	if err != nil {
		for _, t := range snapshot {
			a.counter(t.key).Add(t.count)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "report failed")
	}
	a.metrics.SetPendingImpressions(a.Pending())
	return err
}

// Run flushes after the initial delay and then every interval until ctx is
// cancelled, finishing with one bounded best-effort flush.
func (a *Aggregator) Run(ctx context.Context) error {
	timer := time.NewTimer(a.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.finalFlush(ctx)
			return nil
		case <-timer.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Warn("failed to report usage metrics", slog.String("error", err.Error()))
			}
			timer.Reset(a.interval)
		}
	}
}

func (a *Aggregator) finalFlush(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalFlushTimeout)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		a.logger.Warn("final usage report failed", slog.String("error", err.Error()))
	}
}
