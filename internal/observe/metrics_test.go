package observe

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestCountersRecord(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", "001")))
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", "001")))
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)

	rm := collect(t, reader)

	started, ok := findMetric(rm, "libertycall.calls.started")
	if !ok {
		t.Fatal("calls.started not found")
	}
	sum, ok := started.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("calls.started data = %+v", started.Data)
	}
	if sum.DataPoints[0].Value != 2 {
		t.Fatalf("calls.started = %d, want 2", sum.DataPoints[0].Value)
	}

	active, ok := findMetric(rm, "libertycall.calls.active")
	if !ok {
		t.Fatal("calls.active not found")
	}
	gauge := active.Data.(metricdata.Sum[int64])
	if gauge.DataPoints[0].Value != 0 {
		t.Fatalf("calls.active = %d, want 0", gauge.DataPoints[0].Value)
	}
}

func TestHistogramRecords(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	m.TranscriptLatency.Record(context.Background(), 0.42)
	rm := collect(t, reader)

	h, ok := findMetric(rm, "libertycall.asr.transcript_latency")
	if !ok {
		t.Fatal("transcript_latency not found")
	}
	hist := h.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("histogram = %+v", hist)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	mux := AdminMux(Checker{
		Name:  "switch",
		Check: func(context.Context) error { return nil },
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestReadyzFailsWhenCheckerFails(t *testing.T) {
	t.Parallel()
	mux := AdminMux(Checker{
		Name:  "switch",
		Check: func(context.Context) error { return errors.New("not connected") },
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
}
