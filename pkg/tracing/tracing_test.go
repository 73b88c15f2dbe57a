package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	return newProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))), rec
}

func attr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "genbatch"}, nil)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.StartBatch(context.Background(), "b1", 2)
	End(span, nil)
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2} {
		if got := sampler(ratio).Description(); got != sdktrace.AlwaysSample().Description() {
			t.Errorf("sampler(%v) = %s, want AlwaysOnSampler", ratio, got)
		}
	}
	if got := sampler(0.25).Description(); got == sdktrace.AlwaysSample().Description() {
		t.Errorf("sampler(0.25) = %s, want ratio based", got)
	}
}

func TestConfigSpanNestsUnderBatch(t *testing.T) {
	p, rec := newRecordingProvider()

	ctx, batch := p.StartBatch(context.Background(), "b1", 3)
	cctx, cfg := p.StartConfig(ctx, "b1", "c1")
	RecordRetry(cctx, 1, errors.New("timeout"), 250*time.Millisecond)
	End(cfg, errors.New("boom"))
	End(batch, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	config, run := spans[0], spans[1]

	if config.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("config span should be a child of the batch span")
	}
	if v, ok := attr(run.Attributes(), AttrConfigCount); !ok || v.AsInt64() != 3 {
		t.Errorf("configs attribute = %v", v)
	}
	if v, ok := attr(config.Attributes(), AttrConfigID); !ok || v.AsString() != "c1" {
		t.Errorf("config_id attribute = %v", v)
	}

	if config.Status().Code != codes.Error {
		t.Errorf("config status = %v, want Error", config.Status().Code)
	}
	if run.Status().Code == codes.Error {
		t.Error("batch span should not be marked as error")
	}

	var retried bool
	for _, ev := range config.Events() {
		if ev.Name == "retry" {
			retried = true
			if v, ok := attr(ev.Attributes, AttrRetryDelay); !ok || v.AsInt64() != 250 {
				t.Errorf("retry delay = %v", v)
			}
		}
	}
	if !retried {
		t.Error("expected retry event on config span")
	}
}

func TestInjectPropagatesTraceContext(t *testing.T) {
	p, _ := newRecordingProvider()

	ctx, span := p.StartConfig(context.Background(), "b1", "c1")
	defer span.End()

	header := http.Header{}
	Inject(ctx, header)
	if header.Get("traceparent") == "" {
		t.Fatal("expected traceparent header")
	}
}

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	p, rec := newRecordingProvider()

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(p))
	r.HandleFunc("/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/batches/abc", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "GET /batches/{id}" {
		t.Errorf("span name = %q", got)
	}
	if v, ok := attr(spans[0].Attributes(), AttrBatchID); !ok || v.AsString() != "abc" {
		t.Errorf("batch_id attribute = %v", v)
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("4xx responses should not mark the span as error")
	}
}

func TestHTTPMiddlewareJoinsIncomingTrace(t *testing.T) {
	p, rec := newRecordingProvider()

	parentCtx, parent := p.StartBatch(context.Background(), "b1", 1)
	req := httptest.NewRequest(http.MethodGet, "/batches/b1", nil)
	Inject(parentCtx, req.Header)
	parent.End()

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(p))
	r.HandleFunc("/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	server := spans[1]
	if server.Parent().TraceID() != parent.SpanContext().TraceID() {
		t.Error("server span should join the incoming trace")
	}
	if server.Status().Code != codes.Error {
		t.Error("5xx responses should mark the span as error")
	}
}
