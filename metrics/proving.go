package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job resolution statuses.
const (
	JobStatusSuccess   = "success"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// ProvingMetrics instruments the job queue, the agents and block building.
type ProvingMetrics struct {
	jobsEnqueued  *prometheus.CounterVec
	jobsResolved  *prometheus.CounterVec
	jobLatencies  *prometheus.HistogramVec
	jobRetries    *prometheus.CounterVec
	queueLength   prometheus.Gauge
	liveAgents    prometheus.Gauge
	blocksBuilt   *prometheus.CounterVec
	cacheBypassed prometheus.Counter
}

// NewDefaultProvingMetrics creates the proving metrics. Calling it more than
// once returns metrics backed by the same collectors.
func NewDefaultProvingMetrics() ProvingMetrics {
	m := ProvingMetrics{
		jobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proving_jobs_enqueued",
				Help: "How many proving jobs were enqueued, partitioned by job kind.",
			},
			[]string{"kind"},
		),
		jobsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proving_jobs_resolved",
				Help: "How many proving jobs were resolved, partitioned by job kind and status.",
			},
			[]string{"kind", "status"},
		),
		jobLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proving_job_latencies",
				Help:    "How long agents take to execute a proving job, partitioned by job kind.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"kind"},
		),
		jobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proving_job_retries",
				Help: "How many proving jobs were re-enqueued after a failed attempt, partitioned by job kind.",
			},
			[]string{"kind"},
		),
		queueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proving_queue_length",
				Help: "How many proving jobs are pending.",
			},
		),
		liveAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proving_live_agents",
				Help: "How many prover agents are running in this process.",
			},
		),
		blocksBuilt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proving_blocks_built",
				Help: "How many blocks were built, partitioned by status.",
			},
			[]string{"status"},
		),
		cacheBypassed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proving_cache_bypassed",
				Help: "How many proving jobs skipped the proof cache because stub proofs were requested.",
			},
		),
	}
	m.jobsEnqueued = registerOnce(m.jobsEnqueued)
	m.jobsResolved = registerOnce(m.jobsResolved)
	m.jobLatencies = registerOnce(m.jobLatencies)
	m.jobRetries = registerOnce(m.jobRetries)
	m.queueLength = registerOnce(m.queueLength)
	m.liveAgents = registerOnce(m.liveAgents)
	m.blocksBuilt = registerOnce(m.blocksBuilt)
	m.cacheBypassed = registerOnce(m.cacheBypassed)
	return m
}

// JobEnqueued counts one enqueued job of the given kind.
func (m *ProvingMetrics) JobEnqueued(kind string) {
	m.jobsEnqueued.WithLabelValues(kind).Inc()
}

// JobResolved counts one resolved job and observes its execution time.
func (m *ProvingMetrics) JobResolved(kind, status string, d time.Duration) {
	m.jobsResolved.WithLabelValues(kind, status).Inc()
	if status != JobStatusCancelled {
		m.jobLatencies.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// JobRetried counts one re-enqueued attempt.
func (m *ProvingMetrics) JobRetried(kind string) {
	m.jobRetries.WithLabelValues(kind).Inc()
}

// QueueLength sets the number of pending jobs.
func (m *ProvingMetrics) QueueLength(n int) {
	m.queueLength.Set(float64(n))
}

// LiveAgents sets the number of running agents.
func (m *ProvingMetrics) LiveAgents(n int) {
	m.liveAgents.Set(float64(n))
}

// BlockBuilt counts one block build attempt with the given status.
func (m *ProvingMetrics) BlockBuilt(status string) {
	m.blocksBuilt.WithLabelValues(status).Inc()
}

// CacheBypassed counts one job executed without consulting the proof cache.
func (m *ProvingMetrics) CacheBypassed() {
	m.cacheBypassed.Inc()
}
