package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns a counter or gauge value, or a histogram's sample count.
// labels are name/value pairs the metric must carry.
func value(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			have := make(map[string]string)
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if have[labels[i]] != labels[i+1] {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestNewCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)

	// registering twice on the same registry must panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordJobReceived()
	c.RecordJobReceived()
	c.RecordJobsQueued(3)
	c.RecordJobRequested()
	c.RecordResultSent()
	c.RecordResultDiscarded()
	c.RecordManifestSynchronized()
	c.RecordFileReceived(100)
	c.RecordFileReceived(50)
	c.RecordProtocolError()

	assert.Equal(t, 2.0, value(t, reg, "fbworker_jobs_received_total"))
	assert.Equal(t, 3.0, value(t, reg, "fbworker_jobs_queued_total"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_job_requests_sent_total"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_results_sent_total"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_results_discarded_total"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_manifests_synchronized_total"))
	assert.Equal(t, 2.0, value(t, reg, "fbworker_files_received_total"))
	assert.Equal(t, 150.0, value(t, reg, "fbworker_file_bytes_received_total"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_protocol_errors_total"))
}

func TestObserveJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveJob(true, false, 100*time.Millisecond)
	c.ObserveJob(true, false, time.Second)
	c.ObserveJob(false, false, time.Second)
	c.ObserveJob(false, true, time.Second)

	assert.Equal(t, 2.0, value(t, reg, "fbworker_jobs_executed_total", "result", "success"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_jobs_executed_total", "result", "failure"))
	assert.Equal(t, 1.0, value(t, reg, "fbworker_jobs_executed_total", "result", "system_error"))
	assert.Equal(t, 4.0, value(t, reg, "fbworker_job_duration_seconds"))
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetClients(3)
	c.UpdateQueueStats(4, 5, 6)
	assert.Equal(t, 3.0, value(t, reg, "fbworker_clients_connected"))
	assert.Equal(t, 4.0, value(t, reg, "fbworker_jobs_waiting"))
	assert.Equal(t, 5.0, value(t, reg, "fbworker_jobs_pending"))
	assert.Equal(t, 6.0, value(t, reg, "fbworker_jobs_in_flight"))

	c.SetClients(0)
	assert.Equal(t, 0.0, value(t, reg, "fbworker_clients_connected"))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordJobReceived()
		c.RecordJobsQueued(1)
		c.RecordJobRequested()
		c.ObserveJob(true, false, time.Second)
		c.RecordResultSent()
		c.RecordResultDiscarded()
		c.RecordManifestSynchronized()
		c.RecordFileReceived(1)
		c.RecordProtocolError()
		c.SetClients(1)
		c.UpdateQueueStats(1, 1, 1)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordJobReceived()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fbworker_jobs_received_total 1")
}

func TestStartServerStopsOnCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).SetClients(2)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, ln, reg) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "fbworker_clients_connected 2")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
