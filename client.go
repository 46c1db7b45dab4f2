package unchain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/unchain/internal/cache"
	"github.com/matt-riley/unchain/internal/core"
	"github.com/matt-riley/unchain/internal/logging"
	"github.com/matt-riley/unchain/internal/metrics"
	"github.com/matt-riley/unchain/internal/notify"
	"github.com/matt-riley/unchain/internal/syncer"
	"github.com/matt-riley/unchain/internal/transport"
	"github.com/matt-riley/unchain/internal/usage"
)

// Client evaluates flags from a locally synchronised cache. All methods are
// safe for concurrent use. Several clients in one process share no state.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	instanceID string

	cache     *cache.Cache
	engine    *core.Engine
	transport *transport.Client
	usage     *usage.Aggregator
	notifier  *notify.Notifier
	poller    *syncer.Poller
	streamer  *syncer.Streamer
	interval  *syncer.Interval
	metrics   *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg, starts background synchronisation and returns the
// client. With WaitForInit it blocks briefly for the first poll.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}

	instanceID := uuid.NewString()
	logger := logging.ForComponent(o.logger, logging.ComponentClient, slog.String("instance_id", instanceID))
	m := metrics.New()

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		instanceID: instanceID,
		cache:      cache.New(),
		notifier:   notify.New(logger, m),
		interval:   syncer.NewInterval(cfg.PollInterval),
		metrics:    m,
		done:       make(chan struct{}),
	}
	metrics.RegisterCacheMetrics(m.Registry, c.cache, cfg.Projects)
	m.SetPollInterval(cfg.PollInterval)

	c.transport = transport.NewClient(transport.Config{
		BaseURL:    cfg.APIURL,
		Token:      cfg.Token,
		UserAgent:  "unchain-go-client/" + Version,
		InstanceID: instanceID,
		HTTPClient: o.httpClient,
	})
	c.usage = usage.New(c.transport,
		usage.WithLogger(logger),
		usage.WithMetrics(m),
		usage.WithClock(o.now),
		usage.WithSchedule(o.metricsDelay, o.metricsInterval),
	)

	registry := core.NewRegistry()
	for _, evaluator := range o.evaluators {
		registry.Register(evaluator)
	}
	c.engine = core.NewEngine(c.cache, registry,
		core.WithLogger(logger),
		core.WithClock(o.now),
		core.WithRecorder(c.usage),
		core.WithThrottle(logging.NewThrottle(logging.DefaultThrottleInterval, logging.DefaultMaxThrottledKeys)),
		core.WithObserver(func(r core.Result) {
			m.RecordEvaluation(r.Enabled, string(r.Reason))
		}),
	)

	c.poller = syncer.NewPoller(c.transport, c.cache, c.notifier, cfg.Projects, c.interval, logger, m)
	if cfg.EnableStreaming {
		c.streamer = syncer.NewStreamer(c.transport, c.cache, c.notifier, cfg.Projects, logger, m)
	}

	c.start()

	if cfg.WaitForInit {
		c.waitForInit()
	}

	logger.Info("unchain client started",
		slog.Any("projects", cfg.Projects),
		slog.String("environment", cfg.Environment),
		slog.Bool("streaming", cfg.EnableStreaming),
	)
	return c, nil
}

func (c *Client) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.poller.Run(gctx) })
	if c.streamer != nil {
		g.Go(func() error { return c.streamer.Run(gctx) })
	}
	g.Go(func() error { return c.usage.Run(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			c.logger.Error("background task failed", slog.String("error", err.Error()))
		}
		close(c.done)
	}()
}

func (c *Client) waitForInit() {
	wait := min(c.cfg.InitTimeout, maxInitWait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.poller.Ready():
	case <-timer.C:
		c.logger.Warn("initial flag sync not finished, continuing", slog.Duration("waited", wait))
	}
}

func (c *Client) singleProject() string {
	if len(c.cfg.Projects) > 1 {
		panic(ErrAmbiguousProject)
	}
	return c.cfg.Projects[0]
}

// IsEnabled evaluates flagName in the configured project and environment.
// It panics with ErrAmbiguousProject when several projects are configured.
func (c *Client) IsEnabled(flagName string, ctx Context) bool {
	return c.engine.IsEnabled(c.singleProject(), flagName, c.cfg.Environment, ctx)
}

// IsEnabledIn evaluates flagName in an explicit project and environment.
func (c *Client) IsEnabledIn(projectID, flagName, environment string, ctx Context) bool {
	return c.engine.IsEnabled(projectID, flagName, environment, ctx)
}

// GetVariant selects the variant of flagName in the configured project and
// environment. It panics with ErrAmbiguousProject when several projects are
// configured.
func (c *Client) GetVariant(flagName string, ctx Context) (Variant, bool) {
	return c.engine.Variant(c.singleProject(), flagName, c.cfg.Environment, ctx)
}

func (c *Client) GetVariantIn(projectID, flagName, environment string, ctx Context) (Variant, bool) {
	return c.engine.Variant(projectID, flagName, environment, ctx)
}

// Evaluate returns enablement, the selected variant and the reason.
func (c *Client) Evaluate(projectID, flagName, environment string, ctx Context) Result {
	return c.engine.Evaluate(projectID, flagName, environment, ctx)
}

// RegisterEvaluator adds or replaces the evaluator for evaluator.Name().
func (c *Client) RegisterEvaluator(evaluator StrategyEvaluator) {
	c.engine.Registry().Register(evaluator)
}

// AddChangeListener calls listener with the project id after every sync that
// changed at least one of its flags. Listeners run on the sync goroutine and
// should return quickly. The returned function removes the listener.
func (c *Client) AddChangeListener(listener func(projectID string)) (remove func()) {
	return c.notifier.Subscribe(listener)
}

// Refresh polls every project once, synchronously. Failures are logged and
// the first one is returned; the cache keeps its previous contents for the
// failed projects.
func (c *Client) Refresh(ctx context.Context) error {
	return c.poller.Poll(ctx)
}

// FlagNames lists the cached flag names of projectID.
func (c *Client) FlagNames(projectID string) []string {
	return c.cache.Keys(projectID)
}

func (c *Client) Projects() []string {
	return append([]string(nil), c.cfg.Projects...)
}

func (c *Client) Environment() string {
	return c.cfg.Environment
}

// InstanceID is sent as the X-Unchain-Instance-Id header.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// PollInterval is the current poll period, including server adjustments.
func (c *Client) PollInterval() time.Duration {
	return c.interval.Get()
}

// PrometheusRegistry holds this client's metrics. Serve it with
// promhttp.HandlerFor or gather from it.
func (c *Client) PrometheusRegistry() *prometheus.Registry {
	return c.metrics.Registry
}

// Shutdown stops background work, sends pending usage metrics and waits for
// at most the configured grace period or until ctx is done, whichever comes
// first. Later calls return the first call's result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.cancel()

		select {
		case <-c.done:
			c.logger.Info("unchain client stopped")
			return
		default:
		}

		timer := time.NewTimer(c.cfg.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-c.done:
			c.logger.Info("unchain client stopped")
		case <-timer.C:
			c.shutdownErr = ErrShutdownTimeout
		case <-ctx.Done():
			select {
			case <-c.done:
			default:
				c.shutdownErr = fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
			}
		}
		if c.shutdownErr != nil {
			c.logger.Warn("unchain client shutdown incomplete", slog.String("error", c.shutdownErr.Error()))
		}
	})
	return c.shutdownErr
}
