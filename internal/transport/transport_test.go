package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/matt-riley/unchain/internal/core"
	"github.com/matt-riley/unchain/internal/transport"
)

const featuresJSON = `{"features":[{"name":"checkout","type":"release","impressionData":true,
"environments":[{"name":"production","enabled":true,"strategies":[{"id":"s1","name":"flexibleRollout",
"parameters":[{"name":"percentage","value":"25"},{"name":"groupId","value":"checkout"},{"name":"percentage","value":"99"}],
"constraints":[{"contextName":"region","operator":"IN","values":["eu-west-1"]}]}]}],
"variants":[{"name":"blue","weight":1000,"stickiness":"default","payload":{"type":"string","value":"#00f"}}]}]}`

func staticToken(token string) transport.TokenSupplier {
	return func(context.Context) (string, error) { return token, nil }
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *transport.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return transport.NewClient(transport.Config{
		BaseURL:    srv.URL + "/",
		Token:      staticToken("test-token"),
		UserAgent:  "unchain-go-client/test",
		InstanceID: "instance-1",
		HTTPClient: srv.Client(),
	})
}

func assertHeaders(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-token")
	}
	if got := r.Header.Get("User-Agent"); got != "unchain-go-client/test" {
		t.Errorf("user agent: got %q", got)
	}
	if got := r.Header.Get(transport.InstanceIDHeader); got != "instance-1" {
		t.Errorf("instance id: got %q", got)
	}
}

func TestFetchFeatures(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertHeaders(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/projects/p1/features" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set(transport.PollIntervalHeader, "45")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, featuresJSON)
	})

	resp, err := c.FetchFeatures(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.PollInterval != 45*time.Second {
		t.Fatalf("PollInterval = %v, want 45s", resp.PollInterval)
	}

	want := []core.Flag{{
		Name:           "checkout",
		Type:           "release",
		ImpressionData: true,
		Environments: []core.FlagEnvironment{{
			Name:    "production",
			Enabled: true,
			Strategies: []core.Strategy{{
				ID:          "s1",
				Name:        core.StrategyFlexibleRollout,
				Parameters:  core.Parameters{"percentage": "25", "groupId": "checkout"},
				Constraints: []core.Constraint{{ContextName: "region", Operator: core.OperatorIn, Values: []string{"eu-west-1"}}},
			}},
		}},
		Variants: []core.Variant{{Name: "blue", Weight: 1000, Stickiness: "default", Payload: &core.Payload{Type: "string", Value: "#00f"}}},
	}}
	if diff := cmp.Diff(want, resp.Features); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchFeaturesStatusError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(transport.PollIntervalHeader, "120")
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})

	resp, err := c.FetchFeatures(context.Background(), "p1")
	if !errors.Is(err, transport.ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if got := transport.StatusCode(err); got != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", got)
	}
	var statusErr *transport.StatusError
	if !errors.As(err, &statusErr) || statusErr.Message != "maintenance" {
		t.Fatalf("unexpected status error: %#v", err)
	}
	if resp.PollInterval != 2*time.Minute {
		t.Fatalf("expected poll hint on error response, got %v", resp.PollInterval)
	}
}

func TestFetchFeaturesRejectsInvalidPayload(t *testing.T) {
	bodies := map[string]string{
		"not json":        `{"features":`,
		"missing name":    `{"features":[{"environments":[]}]}`,
		"negative weight": `{"features":[{"name":"f","variants":[{"name":"a","weight":-1}]}]}`,
		"numeric values":  `{"features":[{"name":"f","environments":[{"name":"e","strategies":[{"name":"default","constraints":[{"contextName":"n","operator":"IN","values":[1]}]}]}]}]}`,
		"features object": `{"features":{"name":"f"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			if _, err := c.FetchFeatures(context.Background(), "p1"); !errors.Is(err, transport.ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeFeaturesAcceptsObjectParameters(t *testing.T) {
	flags, err := transport.DecodeFeatures([]byte(`{"features":[{"name":"f","environments":[{"name":"e","enabled":true,
"strategies":[{"name":"userWithId","parameters":{"userIds":"a,b"}}]}]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := flags[0].Environments[0].Strategies[0].Parameters["userIds"]; got != "a,b" {
		t.Fatalf("userIds = %q", got)
	}
}

func TestDecodeFeaturesNull(t *testing.T) {
	flags, err := transport.DecodeFeatures([]byte(`{"features":null}`))
	if err != nil || flags != nil {
		t.Fatalf("expected nil features without error, got %v, %v", flags, err)
	}
}

func TestTokenSupplier(t *testing.T) {
	t.Run("empty token sends no header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "" {
				t.Errorf("expected no auth header, got %q", got)
			}
			fmt.Fprint(w, `{"features":[]}`)
		}))
		t.Cleanup(srv.Close)
		c := transport.NewClient(transport.Config{BaseURL: srv.URL, Token: staticToken(""), HTTPClient: srv.Client()})
		if _, err := c.FetchFeatures(context.Background(), "p1"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("supplier error aborts request", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		t.Cleanup(srv.Close)
		boom := errors.New("token endpoint down")
		c := transport.NewClient(transport.Config{
			BaseURL:    srv.URL,
			Token:      func(context.Context) (string, error) { return "", boom },
			HTTPClient: srv.Client(),
		})
		if _, err := c.FetchFeatures(context.Background(), "p1"); !errors.Is(err, boom) {
			t.Fatalf("expected supplier error, got %v", err)
		}
		if called {
			t.Fatal("expected no request to be sent")
		}
	})
}

func TestParsePollInterval(t *testing.T) {
	tests := map[string]time.Duration{
		"":      0,
		"30":    30 * time.Second,
		" 5 ":   5 * time.Second,
		"0":     0,
		"-10":   0,
		"1.5":   0,
		"never": 0,
	}
	for value, want := range tests {
		if got := transport.ParsePollInterval(value); got != want {
			t.Errorf("ParsePollInterval(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestStream(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertHeaders(t, r)
		if r.URL.Path != "/projects/p1/features/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept header: got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n")
		fmt.Fprint(w, "data: {\"features\":[{\"name\":\"a\"}]}\n\n")
		fmt.Fprint(w, "data:\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, "event: update\ndata:{\"features\":[{\"name\":\"b\"},{\"name\":\"c\"}]}\r\n")
		w.(http.Flusher).Flush()
	})

	ch, err := c.Stream(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}

	var events []transport.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Err != nil || len(events[0].Features) != 1 || events[0].Features[0].Name != "a" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if !errors.Is(events[1].Err, transport.ErrDecode) {
		t.Fatalf("expected decode error, got %+v", events[1])
	}
	if len(events[2].Features) != 2 {
		t.Fatalf("unexpected third event: %+v", events[2])
	}
}

func TestStreamStatus(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusNotImplemented} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})
			_, err := c.Stream(context.Background(), "p1")
			if got := transport.StatusCode(err); got != status {
				t.Fatalf("StatusCode = %d, want %d (err %v)", got, status, err)
			}
		})
	}
}

func TestStreamCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no events")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestReportMetrics(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var got struct {
		Metrics []transport.MetricRecord `json:"metrics"`
	}

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertHeaders(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/metrics" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	records := []transport.MetricRecord{{ProjectID: "p1", FeatureName: "f", Environment: "production", Count: 3, Timestamp: ts}}
	if err := c.ReportMetrics(context.Background(), records); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(records, got.Metrics); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestReportMetricsRequiresAccepted(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	err := c.ReportMetrics(context.Background(), []transport.MetricRecord{{ProjectID: "p1", FeatureName: "f", Count: 1}})
	if transport.StatusCode(err) != http.StatusOK {
		t.Fatalf("expected status error for 200, got %v", err)
	}
}

func TestConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := transport.NewClient(transport.Config{BaseURL: url})
	if _, err := c.FetchFeatures(context.Background(), "p1"); err == nil || transport.StatusCode(err) != 0 {
		t.Fatalf("expected transport error without status, got %v", err)
	}
}
