package metrics

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder()

	r.BatchStarted()
	r.ConfigDispatched()
	r.ConfigDispatched()
	r.Retry()
	r.ConfigSettled("completed", time.Second)
	r.BatchFinished("completed", 3*time.Second)

	if got := testutil.ToFloat64(r.batchesStarted); got != 1 {
		t.Errorf("batches started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.inFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.retries); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.configsSettled.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed configs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.batchesFinished.WithLabelValues("completed")); got != 1 {
		t.Errorf("finished batches = %v, want 1", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	r := NewRecorder()
	r.BatchStarted()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "genbatch_batches_started_total 1") {
		t.Errorf("metrics output missing started counter:\n%s", body)
	}
}

func TestRecorderWriteText(t *testing.T) {
	r := NewRecorder()
	r.ConfigDispatched()
	r.ConfigSettled("failed", 2*time.Second)

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`genbatch_configs_total{status="failed"} 1`,
		"genbatch_configs_in_flight 0",
		"# TYPE genbatch_config_duration_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
