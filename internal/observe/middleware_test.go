package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumentedMux routes a few capture-API-shaped paths through Middleware
// and records spans and metrics in memory.
func instrumentedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := withRecorder(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/capture/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("PUT /v1/settings/{field}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	tests := []struct {
		method, path string
		wantSpan     string
		wantStatus   int
	}{
		{http.MethodPost, "/v1/capture/start", "POST /v1/capture/start", http.StatusConflict},
		{http.MethodPut, "/v1/settings/rms_threshold", "PUT /v1/settings/{field}", http.StatusNoContent},
		{http.MethodGet, "/nowhere", "GET unmatched", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.wantSpan, func(t *testing.T) {
			h, _, exp := instrumentedMux(t)
			rec := serve(h, tt.method, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.wantSpan {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantSpan)
			}
			var gotStatus int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					gotStatus = a.Value.AsInt64()
				}
			}
			if gotStatus != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", gotStatus, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h, _, _ := instrumentedMux(t)

	fresh := serve(h, http.MethodGet, "/healthz", nil).Header().Get(CorrelationHeader)
	if len(fresh) != 32 {
		t.Errorf("new trace correlation id = %q, want 32 hex chars", fresh)
	}

	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	joined := serve(h, http.MethodGet, "/healthz", map[string]string{
		"traceparent": "00-" + parent + "-00f067aa0ba902b7-01",
	}).Header().Get(CorrelationHeader)
	if joined != parent {
		t.Errorf("correlation id = %q, want the caller's trace %q", joined, parent)
	}
}

func TestMiddleware_DurationLabels(t *testing.T) {
	h, reader, _ := instrumentedMux(t)
	serve(h, http.MethodPut, "/v1/settings/rms_threshold", nil)
	serve(h, http.MethodPut, "/v1/settings/peak_threshold", nil)
	serve(h, http.MethodPost, "/v1/capture/start", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "earshot.http.request.duration")
	if met == nil {
		t.Fatal("earshot.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data is %T, want histogram", met.Data)
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value(attribute.Key("route"))
		st, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[rt.AsString()+" "+st.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"PUT /v1/settings/{field} 2xx": 2,
		"POST /v1/capture/start 4xx":   1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%s] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
}

func TestMiddleware_HijackUnsupported(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var hijackErr error
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("wrapped writer should implement http.Hijacker")
			return
		}
		_, _, hijackErr = hj.Hijack()
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, http.MethodGet, "/v1/events", nil)
	if hijackErr == nil {
		t.Error("Hijack on a recorder should fail")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]string{200: "2xx", 204: "2xx", 409: "4xx", 503: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
