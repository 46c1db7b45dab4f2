package unchain

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultPollInterval    = 120 * time.Second
	DefaultInitTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	// maxInitWait bounds WaitForInit regardless of InitTimeout.
	maxInitWait = 3 * time.Second
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("unchain: invalid config")
	// ErrAmbiguousProject is the panic value of single-project calls made on a
	// client configured with more than one project.
	ErrAmbiguousProject = errors.New("unchain: multiple projects configured, use the ...In variant and name the project")
	// ErrShutdownTimeout is returned by Shutdown when background work did not
	// stop within the grace period.
	ErrShutdownTimeout = errors.New("unchain: shutdown timed out")
)

// Config is read once by New.
type Config struct {
	// APIURL is the base URL of the unchain API.
	APIURL string
	// Token is optional.
	Token TokenSupplier
	// Environment is used by IsEnabled and GetVariant.
	Environment string
	Projects    []string

	// PollInterval defaults to DefaultPollInterval. The server may change it
	// at runtime with the X-Unchain-Poll-Interval header.
	PollInterval time.Duration
	// EnableStreaming opens a push stream next to polling.
	EnableStreaming bool
	// WaitForInit makes New wait for the first poll, for at most InitTimeout
	// and never longer than 3s. New does not fail if the poll is slow.
	WaitForInit bool
	InitTimeout time.Duration
	// ShutdownTimeout is the default grace period of Shutdown.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.Projects = append([]string(nil), c.Projects...)
	return c
}

func (c Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("%w: APIURL is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: APIURL %q must be an absolute http(s) URL", ErrInvalidConfig, c.APIURL)
	}
	if strings.TrimSpace(c.Environment) == "" {
		return fmt.Errorf("%w: Environment is required", ErrInvalidConfig)
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("%w: at least one project is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Projects))
	for _, project := range c.Projects {
		if strings.TrimSpace(project) == "" {
			return fmt.Errorf("%w: project ids must not be empty", ErrInvalidConfig)
		}
		if _, dup := seen[project]; dup {
			return fmt.Errorf("%w: duplicate project %q", ErrInvalidConfig, project)
		}
		seen[project] = struct{}{}
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: PollInterval must be positive", ErrInvalidConfig)
	}
	if c.InitTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	return nil
}

type options struct {
	logger          *slog.Logger
	httpClient      *http.Client
	now             func() time.Time
	metricsDelay    time.Duration
	metricsInterval time.Duration
	evaluators      []StrategyEvaluator
}

// Option customises a Client beyond Config.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient replaces the HTTP client used for all API calls. It must not
// set an overall Timeout, which would cut streams short.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithClock sets the clock used for currentTime constraints and metric
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetricsInterval changes how often usage metrics are reported. The first
// report happens after initialDelay.
func WithMetricsInterval(initialDelay, interval time.Duration) Option {
	return func(o *options) {
		o.metricsDelay = initialDelay
		o.metricsInterval = interval
	}
}

// WithEvaluator registers a custom strategy evaluator before any flag is
// evaluated.
func WithEvaluator(evaluator StrategyEvaluator) Option {
	return func(o *options) { o.evaluators = append(o.evaluators, evaluator) }
}
