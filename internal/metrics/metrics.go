// ============================================================================
// distbuild Metrics - Prometheus instrumentation for the worker
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Counters:
//      - fbworker_jobs_received_total: jobs deserialized from clients
//      - fbworker_jobs_queued_total: jobs released to the pending queue
//      - fbworker_jobs_executed_total{result}: success / failure / system_error
//      - fbworker_job_requests_sent_total: RequestJob messages sent
//      - fbworker_results_sent_total / fbworker_results_discarded_total
//      - fbworker_manifests_synchronized_total
//      - fbworker_files_received_total / fbworker_file_bytes_received_total
//      - fbworker_protocol_errors_total
//
//   2. Histogram:
//      - fbworker_job_duration_seconds: executor wall time
//
//   3. Gauges:
//      - fbworker_clients_connected
//      - fbworker_jobs_waiting / fbworker_jobs_pending / fbworker_jobs_in_flight
//
// Example queries:
//
//   # system error rate
//   rate(fbworker_jobs_executed_total{result="system_error"}[5m])
//
//   # 95th percentile build time
//   histogram_quantile(0.95, rate(fbworker_job_duration_seconds_bucket[5m]))
//
// All record methods are safe on a nil *Collector.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fbworker"

// Collector holds the worker's Prometheus metrics.
type Collector struct {
	jobsReceived   prometheus.Counter
	jobsQueued     prometheus.Counter
	jobsExecuted   *prometheus.CounterVec
	jobRequests    prometheus.Counter
	resultsSent    prometheus.Counter
	resultsDropped prometheus.Counter
	manifestsSync  prometheus.Counter
	filesReceived  prometheus.Counter
	fileBytes      prometheus.Counter
	protocolErrors prometheus.Counter

	jobDuration prometheus.Histogram

	clients      prometheus.Gauge
	jobsWaiting  prometheus.Gauge
	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		jobsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_received_total",
			Help: "Jobs received from build clients.",
		}),
		jobsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_queued_total",
			Help: "Jobs released to the pending queue.",
		}),
		jobsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_executed_total",
			Help: "Jobs executed, by outcome.",
		}, []string{"result"}),
		jobRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_requests_sent_total",
			Help: "Job requests sent to clients.",
		}),
		resultsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_sent_total",
			Help: "Job results sent back to their client.",
		}),
		resultsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_discarded_total",
			Help: "Job results discarded because the client disconnected.",
		}),
		manifestsSync: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "manifests_synchronized_total",
			Help: "Toolchain manifests that became synchronized.",
		}),
		filesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "files_received_total",
			Help: "Toolchain files received and stored.",
		}),
		fileBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_bytes_received_total",
			Help: "Uncompressed bytes of toolchain files received.",
		}),
		protocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total",
			Help: "Connections closed because of a protocol error.",
		}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clients_connected",
			Help: "Connected build clients.",
		}),
		jobsWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_waiting",
			Help: "Jobs parked until their toolchain is synchronized.",
		}),
		jobsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_pending",
			Help: "Jobs queued for a worker.",
		}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_in_flight",
			Help: "Jobs being executed.",
		}),
	}
}

func (c *Collector) RecordJobReceived() {
	if c != nil {
		c.jobsReceived.Inc()
	}
}

func (c *Collector) RecordJobsQueued(n int) {
	if c != nil {
		c.jobsQueued.Add(float64(n))
	}
}

func (c *Collector) RecordJobRequested() {
	if c != nil {
		c.jobRequests.Inc()
	}
}

// ObserveJob records one executed job.
func (c *Collector) ObserveJob(success, systemError bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "failure"
	switch {
	case systemError:
		result = "system_error"
	case success:
		result = "success"
	}
	c.jobsExecuted.WithLabelValues(result).Inc()
	c.jobDuration.Observe(d.Seconds())
}

func (c *Collector) RecordResultSent() {
	if c != nil {
		c.resultsSent.Inc()
	}
}

func (c *Collector) RecordResultDiscarded() {
	if c != nil {
		c.resultsDropped.Inc()
	}
}

func (c *Collector) RecordManifestSynchronized() {
	if c != nil {
		c.manifestsSync.Inc()
	}
}

func (c *Collector) RecordFileReceived(bytes int) {
	if c != nil {
		c.filesReceived.Inc()
		c.fileBytes.Add(float64(bytes))
	}
}

func (c *Collector) RecordProtocolError() {
	if c != nil {
		c.protocolErrors.Inc()
	}
}

func (c *Collector) SetClients(n int) {
	if c != nil {
		c.clients.Set(float64(n))
	}
}

// UpdateQueueStats sets the job location gauges.
func (c *Collector) UpdateQueueStats(waiting, pending, inFlight int) {
	if c == nil {
		return
	}
	c.jobsWaiting.Set(float64(waiting))
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// Handler serves the metrics gathered by g, or the default gatherer when g
// is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on ln until ctx is done.
func StartServer(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
