package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Agent holds the collectors of the evaluation agent's HTTP surface. They
// live in their own registry and are served next to the embedded client's.
// A nil *Agent records nothing.
type Agent struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter
}

func NewAgent() *Agent {
	reg := prometheus.NewRegistry()
	a := &Agent{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unchain_agent_http_requests_total",
			Help: "Total number of HTTP requests served by the agent.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unchain_agent_http_request_duration_seconds",
			Help:    "Agent HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unchain_agent_auth_failures_total",
			Help: "Total number of failed agent authentication attempts.",
		}),
	}
	reg.MustRegister(a.HTTPRequestsTotal, a.HTTPRequestDuration, a.AuthFailuresTotal)
	return a
}

// ObserveHTTPRequest records one request. route is the mux pattern, never the
// raw path, to keep label cardinality bounded.
func (a *Agent) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if a == nil {
		return
	}
	code := strconv.Itoa(status)
	a.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	a.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

func (a *Agent) IncAuthFailures() {
	if a == nil {
		return
	}
	a.AuthFailuresTotal.Inc()
}

// Handler serves the agent's metrics merged with those of gatherers.
func (a *Agent) Handler(gatherers ...prometheus.Gatherer) http.Handler {
	all := prometheus.Gatherers{a.Registry}
	all = append(all, gatherers...)
	return promhttp.HandlerFor(all, promhttp.HandlerOpts{})
}
