// Package server implements the HTTP API of the unchain evaluation agent. It
// answers from the embedded client's cache and never calls the upstream API
// on the request path.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/unchain"
	"github.com/matt-riley/unchain/internal/metrics"
	"github.com/matt-riley/unchain/internal/middleware"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	maxBatchSize            = 1000
)

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errProjectRequired  = errors.New("project is required when several projects are configured")
	errUnknownProject   = errors.New("project is not configured")
)

// Evaluator is the part of *unchain.Client the agent serves.
type Evaluator interface {
	Evaluate(projectID, flagName, environment string, ctx unchain.Context) unchain.Result
	FlagNames(projectID string) []string
	Projects() []string
	Environment() string
}

var _ Evaluator = (*unchain.Client)(nil)

type HTTPServer struct {
	client          Evaluator
	metrics         *metrics.Agent
	gatherers       []prometheus.Gatherer
	maxJSONBodySize int64
}

type Option func(*HTTPServer)

// WithMaxJSONBodySize limits request bodies. Non-positive values keep the
// default of 1 MiB.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithMetrics records request metrics in m and serves them on /metrics
// together with gatherers.
func WithMetrics(m *metrics.Agent, gatherers ...prometheus.Gatherer) Option {
	return func(s *HTTPServer) {
		s.metrics = m
		s.gatherers = gatherers
	}
}

type evaluateItem struct {
	Project     string          `json:"project,omitempty"`
	Flag        string          `json:"flag"`
	Environment string          `json:"environment,omitempty"`
	Context     unchain.Context `json:"context"`
}

type evaluateJSONRequest struct {
	Project     string          `json:"project,omitempty"`
	Flag        string          `json:"flag,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Context     unchain.Context `json:"context"`
	Requests    []evaluateItem  `json:"requests,omitempty"`
}

type evaluateResult struct {
	Project     string           `json:"project"`
	Flag        string           `json:"flag"`
	Environment string           `json:"environment"`
	Enabled     bool             `json:"enabled"`
	Variant     *unchain.Variant `json:"variant,omitempty"`
	Reason      unchain.Reason   `json:"reason"`
	StrategyID  string           `json:"strategy_id,omitempty"`
}

type evaluateBatchResponse struct {
	Results []evaluateResult `json:"results"`
}

type flagsResponse struct {
	Project string   `json:"project"`
	Flags   []string `json:"flags"`
}

// NewHTTPHandler returns the agent API. Authentication is applied by the
// caller around the /v1/ routes.
func NewHTTPHandler(client Evaluator, opts ...Option) http.Handler {
	if client == nil {
		panic("client is nil")
	}

	server := &HTTPServer{
		client:          client,
		maxJSONBodySize: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /v1/flags/{project}", server.handleListFlags)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler(server.gatherers...))
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := middleware.NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, rec.Status, time.Since(start))
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, s.maxJSONBodySize, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Flag) != "":
		writeJSONError(w, http.StatusBadRequest, "use either flag or requests")
	case len(request.Requests) > maxBatchSize:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", maxBatchSize))
	case len(request.Requests) > 0:
		results := make([]evaluateResult, 0, len(request.Requests))
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.Flag) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].flag is required", idx))
				return
			}
			result, err := s.evaluate(item)
			if err != nil {
				writeProjectError(w, err)
				return
			}
			results = append(results, result)
		}
		writeJSON(w, http.StatusOK, evaluateBatchResponse{Results: results})
	case strings.TrimSpace(request.Flag) != "":
		result, err := s.evaluate(evaluateItem{
			Project:     request.Project,
			Flag:        request.Flag,
			Environment: request.Environment,
			Context:     request.Context,
		})
		if err != nil {
			writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeJSONError(w, http.StatusBadRequest, "flag or requests is required")
	}
}

func (s *HTTPServer) evaluate(item evaluateItem) (evaluateResult, error) {
	project, err := s.resolveProject(item.Project)
	if err != nil {
		return evaluateResult{}, err
	}
	environment := strings.TrimSpace(item.Environment)
	if environment == "" {
		environment = s.client.Environment()
	}

	result := s.client.Evaluate(project, item.Flag, environment, item.Context)
	return evaluateResult{
		Project:     project,
		Flag:        item.Flag,
		Environment: environment,
		Enabled:     result.Enabled,
		Variant:     result.Variant,
		Reason:      result.Reason,
		StrategyID:  result.StrategyID,
	}, nil
}

func (s *HTTPServer) resolveProject(project string) (string, error) {
	projects := s.client.Projects()
	project = strings.TrimSpace(project)
	if project == "" {
		if len(projects) != 1 {
			return "", errProjectRequired
		}
		return projects[0], nil
	}
	if !slices.Contains(projects, project) {
		return "", errUnknownProject
	}
	return project, nil
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.PathValue("project"))
	if !slices.Contains(s.client.Projects(), project) {
		writeProjectError(w, errUnknownProject)
		return
	}

	names := s.client.FlagNames(project)
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, flagsResponse{Project: project, Flags: names})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeProjectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownProject):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}
	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
