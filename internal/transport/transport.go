// Package transport talks to the unchain API: feature polling, the SSE feature
// stream and usage metric reports.
package transport

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/unchain/internal/core"
)

const (
	// PollIntervalHeader carries the server's preferred poll cadence in seconds.
	PollIntervalHeader = "X-Unchain-Poll-Interval"
	// InstanceIDHeader identifies one client instance across requests.
	InstanceIDHeader = "X-Unchain-Instance-Id"

	maxBodyBytes     = 16 << 20
	maxErrorBytes    = 4 << 10
	streamBufferSize = 1 << 20
)

var (
	// ErrUnexpectedStatus is wrapped by every *StatusError.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrDecode reports a response body that is not a valid features payload.
	ErrDecode = errors.New("decode features")
)

//go:embed schema/features.json
var featuresSchemaJSON []byte

var featuresSchema = mustSchema(featuresSchemaJSON)

func mustSchema(raw []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("transport: invalid features schema: %v", err))
	}
	return schema
}

// TokenSupplier returns the bearer token for a request. An empty token sends
// no Authorization header.
type TokenSupplier func(ctx context.Context) (string, error)

type Config struct {
	// BaseURL is the API root, e.g. "https://flags.example.com/api". A trailing
	// slash is ignored.
	BaseURL string
	Token   TokenSupplier
	// UserAgent identifies the SDK name and version.
	UserAgent  string
	InstanceID string
	// HTTPClient is optional. The default client is traced with otelhttp and
	// has no overall timeout so streams can stay open; callers bound requests
	// with their context.
	HTTPClient *http.Client
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// StatusError is returned when the server answers with a status the caller
// did not expect.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unchain: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("unchain: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// StatusCode extracts the HTTP status from err, or 0 when err is not a
// *StatusError.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func newStatusError(resp *http.Response) *StatusError {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("unchain: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("unchain: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.InstanceID != "" {
		req.Header.Set(InstanceIDHeader, c.cfg.InstanceID)
	}
	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("unchain: token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func projectPath(projectID string) string {
	return "/projects/" + projectID + "/features"
}

// FeaturesResponse is one decoded poll.
type FeaturesResponse struct {
	Features []core.Flag
	// PollInterval is the server's advised cadence, or 0 when the header was
	// absent or not a positive integer.
	PollInterval time.Duration
}

// FetchFeatures polls the flag list for projectID. The poll-interval hint is
// returned even when the status is not 200.
func (c *Client) FetchFeatures(ctx context.Context, projectID string) (FeaturesResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, projectPath(projectID), nil)
	if err != nil {
		return FeaturesResponse{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FeaturesResponse{}, fmt.Errorf("unchain: http: %w", err)
	}
	defer resp.Body.Close()

	out := FeaturesResponse{PollInterval: ParsePollInterval(resp.Header.Get(PollIntervalHeader))}
	if resp.StatusCode != http.StatusOK {
		return out, newStatusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return out, fmt.Errorf("unchain: read body: %w", err)
	}
	out.Features, err = DecodeFeatures(body)
	return out, err
}

// ParsePollInterval reads a poll-interval header value in whole seconds.
func ParsePollInterval(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type featuresEnvelope struct {
	Features []core.Flag `json:"features"`
}

// DecodeFeatures validates data against the features schema and decodes it.
func DecodeFeatures(data []byte) ([]core.Flag, error) {
	result, err := featuresSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrDecode, strings.Join(details, "; "))
	}

	var envelope featuresEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return envelope.Features, nil
}

// StreamEvent is one data line from the feature stream. Err is set when the
// line could not be decoded; the stream continues after it.
type StreamEvent struct {
	Features []core.Flag
	Err      error
}

// Stream opens the feature stream for projectID. A non-200 status is returned
// as a *StatusError. The channel is closed when ctx is cancelled or the
// connection ends.
func (c *Client) Stream(ctx context.Context, projectID string) (<-chan StreamEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, projectPath(projectID)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unchain: stream connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newStatusError(resp)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, streamBufferSize)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads stream lines from r. Every non-empty "data:" line carries a
// complete features payload; other lines are ignored.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- StreamEvent) {
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "" {
				features, decodeErr := DecodeFeatures([]byte(data))
				select {
				case ch <- StreamEvent{Features: features, Err: decodeErr}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err != nil {
			return
		}
	}
}

// MetricRecord is one aggregated usage count.
type MetricRecord struct {
	ProjectID   string    `json:"projectId"`
	FeatureName string    `json:"featureName"`
	Environment string    `json:"environment"`
	Count       int64     `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
}

type metricsReport struct {
	Metrics []MetricRecord `json:"metrics"`
}

// ReportMetrics posts a usage batch. Anything but 202 Accepted is an error.
func (c *Client) ReportMetrics(ctx context.Context, records []MetricRecord) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/metrics", metricsReport{Metrics: records})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unchain: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return newStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes))
	return nil
}
