package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Recorder collects orchestrator metrics on its own registry
type Recorder struct {
	registry *promclient.Registry

	batchesStarted  promclient.Counter
	batchesFinished *promclient.CounterVec
	configsSettled  *promclient.CounterVec
	retries         promclient.Counter
	inFlight        promclient.Gauge
	configDuration  promclient.Histogram
	batchDuration   promclient.Histogram
}

// NewRecorder creates a recorder and registers its collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: promclient.NewRegistry(),
		batchesStarted: promclient.NewCounter(promclient.CounterOpts{
			Name: "genbatch_batches_started_total",
			Help: "Batch runs started, including retry runs",
		}),
		batchesFinished: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "genbatch_batches_finished_total",
			Help: "Batch runs finished by final status",
		}, []string{"status"}),
		configsSettled: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "genbatch_configs_total",
			Help: "Configs settled by outcome",
		}, []string{"status"}),
		retries: promclient.NewCounter(promclient.CounterOpts{
			Name: "genbatch_generation_retries_total",
			Help: "Generation attempts that failed and were retried",
		}),
		inFlight: promclient.NewGauge(promclient.GaugeOpts{
			Name: "genbatch_configs_in_flight",
			Help: "Configs currently being generated",
		}),
		configDuration: promclient.NewHistogram(promclient.HistogramOpts{
			Name:    "genbatch_config_duration_seconds",
			Help:    "Time from dispatch to settlement of a config, retries included",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		batchDuration: promclient.NewHistogram(promclient.HistogramOpts{
			Name:    "genbatch_batch_duration_seconds",
			Help:    "Wall time of a batch run",
			Buckets: promclient.ExponentialBuckets(1, 2, 12),
		}),
	}

	r.registry.MustRegister(
		r.batchesStarted,
		r.batchesFinished,
		r.configsSettled,
		r.retries,
		r.inFlight,
		r.configDuration,
		r.batchDuration,
	)
	return r
}

// BatchStarted records the start of a run
func (r *Recorder) BatchStarted() {
	r.batchesStarted.Inc()
}

// BatchFinished records a run ending in status
func (r *Recorder) BatchFinished(status string, elapsed time.Duration) {
	r.batchesFinished.WithLabelValues(status).Inc()
	r.batchDuration.Observe(elapsed.Seconds())
}

// ConfigDispatched marks a config as in flight
func (r *Recorder) ConfigDispatched() {
	r.inFlight.Inc()
}

// ConfigSettled records the outcome of a dispatched config
func (r *Recorder) ConfigSettled(status string, elapsed time.Duration) {
	r.inFlight.Dec()
	r.configsSettled.WithLabelValues(status).Inc()
	r.configDuration.Observe(elapsed.Seconds())
}

// Retry records one retried generation attempt
func (r *Recorder) Retry() {
	r.retries.Inc()
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *promclient.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteText dumps all metrics in text format
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}
