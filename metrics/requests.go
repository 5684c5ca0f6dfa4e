package metrics

import (
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
)

// Values of the status label of API request metrics.
const (
	RequestStatusSuccess     = "success"
	RequestStatusClientError = "failure_4xx"
	RequestStatusServerError = "failure"
	RequestStatusNonUTF8     = "non_utf8_path"
)

// Endpoint label used for request paths that cannot be used as label values.
const ignoredEndpoint = "ignored"

var (
	// Labels of the request counter:
	//   - endpoint: the normalized route, e.g. "/v1/jobs/*/result" or
	//     "/v1/blocks/*/build", with job ids and block numbers replaced by "*";
	//   - status: one of the RequestStatus values;
	//   - cause: the HTTP status text of client errors, like "Conflict" when an
	//     agent reports a result for a job it no longer holds. Empty otherwise.
	requestLabels = []string{"endpoint", "status", "cause"}

	// Labels of the request latency histogram: the normalized route only.
	requestLatencyLabels = []string{"endpoint"}

	// Latencies range from quick claims to result uploads carrying full
	// proofs, so the buckets stretch up to about a minute.
	requestLatencyBuckets = prometheus.ExponentialBuckets(0.005, 4, 8)
)

// RequestMetrics instruments the orchestrator API served to agents and
// block producers.
type RequestMetrics struct {
	// RequestCounts counts requests by route, outcome and client error cause.
	RequestCounts *prometheus.CounterVec

	// RequestLatencies tracks time spent serving requests, by route.
	RequestLatencies *prometheus.HistogramVec
}

// NewDefaultRequestMetrics creates the request metrics of an API, with
// metric names prefixed by pkg. Creating them more than once with the same
// pkg shares the underlying collectors.
func NewDefaultRequestMetrics(pkg string) RequestMetrics {
	m := RequestMetrics{
		RequestCounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_requests", pkg),
				Help: "API requests served, by normalized route, outcome, and client error cause.",
			},
			requestLabels,
		),
		RequestLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_request_latencies", pkg),
				Help:    "Seconds spent serving API requests, by normalized route.",
				Buckets: requestLatencyBuckets,
			},
			requestLatencyLabels,
		),
	}
	m.RequestCounts = registerOnce(m.RequestCounts)
	m.RequestLatencies = registerOnce(m.RequestLatencies)
	return m
}

// RequestCounter returns the counter for the given endpoint, status and
// cause label values. Missing trailing values are left empty.
func (m *RequestMetrics) RequestCounter(labels ...string) prometheus.Counter {
	return m.RequestCounts.WithLabelValues(padLabels(labels, len(requestLabels))...)
}

// ObserveRequest records a served request to the given normalized endpoint.
func (m *RequestMetrics) ObserveRequest(endpoint string, httpStatus int, latency time.Duration) {
	status, cause := requestOutcome(httpStatus)
	if !utf8.ValidString(endpoint) {
		endpoint, status, cause = ignoredEndpoint, RequestStatusNonUTF8, ""
	}
	m.RequestCounter(endpoint, status, cause).Inc()
	m.RequestLatencies.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func requestOutcome(httpStatus int) (status string, cause string) {
	switch {
	case httpStatus >= 200 && httpStatus < 400:
		return RequestStatusSuccess, ""
	case httpStatus >= 400 && httpStatus < 500:
		return RequestStatusClientError, http.StatusText(httpStatus)
	default:
		return RequestStatusServerError, ""
	}
}
