// Package syncer keeps the flag cache fresh from the API through a
// self-rescheduling poll loop and an optional push stream.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/unchain/internal/core"
	"github.com/matt-riley/unchain/internal/metrics"
	"github.com/matt-riley/unchain/internal/transport"
)

var tracer = otel.Tracer("github.com/matt-riley/unchain/internal/syncer")

// Store is the write side of the flag cache.
type Store interface {
	Put(projectID string, flag core.Flag) (changed bool)
}

// Notifier is told about projects whose flags changed.
type Notifier interface {
	Notify(projectID string)
}

type Fetcher interface {
	FetchFeatures(ctx context.Context, projectID string) (transport.FeaturesResponse, error)
}

type StreamOpener interface {
	Stream(ctx context.Context, projectID string) (<-chan transport.StreamEvent, error)
}

// apply writes flags one at a time and returns how many changed.
func apply(store Store, projectID string, flags []core.Flag) int {
	changed := 0
	for _, flag := range flags {
		if store.Put(projectID, flag) {
			changed++
		}
	}
	return changed
}

// Poller fetches every project on a fixed cadence that the server may adjust.
type Poller struct {
	fetcher  Fetcher
	store    Store
	notifier Notifier
	projects []string
	interval *Interval
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ready    chan struct{}
	sleep    func(context.Context, time.Duration) bool
}

func NewPoller(fetcher Fetcher, store Store, notifier Notifier, projects []string, interval *Interval, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher:  fetcher,
		store:    store,
		notifier: notifier,
		projects: append([]string(nil), projects...),
		interval: interval,
		logger:   logger,
		metrics:  m,
		ready:    make(chan struct{}),
		sleep:    sleep,
	}
}

// Ready is closed once the first poll cycle has finished, successful or not.
func (p *Poller) Ready() <-chan struct{} {
	return p.ready
}

// Poll runs one cycle over all projects. Per-project failures are logged and
// never stop the cycle. It returns the first error seen, for callers that
// want to surface it.
func (p *Poller) Poll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "syncer.Poll")
	defer span.End()
	span.SetAttributes(attribute.Int("unchain.projects", len(p.projects)))

	start := time.Now()
	defer func() { p.metrics.ObservePollCycle(time.Since(start)) }()

	var firstErr error
	for _, project := range p.projects {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.pollProject(ctx, project); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Poller) pollProject(ctx context.Context, project string) error {
	resp, err := p.fetcher.FetchFeatures(ctx, project)
	p.adoptInterval(resp.PollInterval)
	p.metrics.RecordPoll(project, err)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("failed to fetch features",
				slog.String("project_id", project),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	changed := apply(p.store, project, resp.Features)
	p.metrics.AddFlagUpdates("poll", changed)
	p.logger.Debug("refreshed features",
		slog.String("project_id", project),
		slog.Int("features", len(resp.Features)),
		slog.Int("changed", changed),
	)
	if changed > 0 {
		p.notifier.Notify(project)
	}
	return nil
}

func (p *Poller) adoptInterval(advised time.Duration) {
	previous := p.interval.Get()
	if p.interval.Set(advised) {
		p.logger.Info("poll interval updated by server",
			slog.Duration("previous", previous),
			slog.Duration("interval", advised),
		)
	}
	p.metrics.SetPollInterval(p.interval.Get())
}

// Run polls immediately and then again one interval after each cycle ends,
// so slow fetches never overlap. It returns when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	first := true
	for {
		_ = p.Poll(ctx)
		if first {
			close(p.ready)
			first = false
		}
		if !p.sleep(ctx, p.interval.Get()) {
			return nil
		}
	}
}

var errStreamUnsupported = errors.New("feature stream not supported by server")

// Streamer holds one push connection per configured project. Each project
// reconnects on its own Backoff; a 501 from any of them stops them all.
type Streamer struct {
	opener   StreamOpener
	store    Store
	notifier Notifier
	projects []string
	backoffs map[string]*Backoff
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sleep    func(context.Context, time.Duration) bool
}

func NewStreamer(opener StreamOpener, store Store, notifier Notifier, projects []string, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	backoffs := make(map[string]*Backoff, len(projects))
	for _, project := range projects {
		backoffs[project] = NewBackoff()
	}
	return &Streamer{
		opener:   opener,
		store:    store,
		notifier: notifier,
		projects: append([]string(nil), projects...),
		backoffs: backoffs,
		logger:   logger,
		metrics:  m,
		sleep:    sleep,
	}
}

// Backoff returns the reconnect state of projectID, or nil for a project
// that is not streamed.
func (s *Streamer) Backoff(projectID string) *Backoff {
	return s.backoffs[projectID]
}

// Run streams every project concurrently until ctx is cancelled or the server
// answers 501, after which polling is the only sync path for the rest of the
// process.
func (s *Streamer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, project := range s.projects {
		g.Go(func() error {
			s.runProject(gctx, project, cancel)
			return nil
		})
	}
	return g.Wait()
}

func (s *Streamer) runProject(ctx context.Context, project string, stopAll context.CancelFunc) {
	backoff := s.backoffs[project]
	for ctx.Err() == nil {
		if err := s.connect(ctx, project, backoff); errors.Is(err, errStreamUnsupported) {
			s.logger.Warn("feature stream disabled, server does not support it",
				slog.String("project_id", project),
			)
			stopAll()
			return
		}
		s.metrics.SetStreamBackoff(project, backoff.Current())
		if !s.sleep(ctx, backoff.Current()) {
			return
		}
	}
}

func (s *Streamer) connect(ctx context.Context, project string, backoff *Backoff) error {
	events, err := s.opener.Stream(ctx, project)
	if err != nil {
		status := transport.StatusCode(err)
		s.metrics.RecordStreamConnect(project, status)
		switch status {
		case http.StatusNotImplemented:
			return errStreamUnsupported
		case http.StatusTooManyRequests:
			next := backoff.RateLimited()
			s.logger.Warn("feature stream rate limited",
				slog.String("project_id", project),
				slog.Duration("backoff", next),
			)
		default:
			if ctx.Err() == nil {
				s.logger.Warn("feature stream connection failed",
					slog.String("project_id", project),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
			}
		}
		return err
	}

	s.metrics.RecordStreamConnect(project, http.StatusOK)
	next := backoff.Connected()
	s.logger.Info("feature stream connected",
		slog.String("project_id", project),
		slog.Duration("backoff", next),
	)

	done := s.metrics.StreamOpened()
	defer done()
	for ev := range events {
		if ev.Err != nil {
			s.logger.Warn("failed to decode stream data",
				slog.String("project_id", project),
				slog.String("error", ev.Err.Error()),
			)
			continue
		}
		changed := apply(s.store, project, ev.Features)
		s.metrics.AddFlagUpdates("stream", changed)
		if changed > 0 {
			s.notifier.Notify(project)
		}
	}
	return nil
}
