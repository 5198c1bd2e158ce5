package otel

import (
	"context"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrEthical07/gateauth"
)

type fakeSource struct {
	mu       sync.RWMutex
	counters map[gateauth.MetricID]uint64
	latency  []uint64
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() gateauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := gateauth.MetricsSnapshot{
		Counters:   make(map[gateauth.MetricID]uint64, len(f.counters)),
		Histograms: map[gateauth.MetricID][]uint64{},
	}
	for k, v := range f.counters {
		out.Counters[k] = v
	}
	if f.latency != nil {
		out.Histograms[gateauth.MetricValidateLatency] = append([]uint64(nil), f.latency...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newReader(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader, provider
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out
}

func TestExporterObservesSnapshot(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{
		counters: map[gateauth.MetricID]uint64{
			gateauth.MetricLoginSuccess:         3,
			gateauth.MetricRefreshReuseDetected: 1,
		},
		latency: []uint64{1, 1, 1, 1, 1, 1, 1, 1},
		dropped: 4,
	}

	exp, err := NewExporter(provider.Meter("gateauth-test"), src)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	got := collect(t, reader)
	if got["gateauth_login_success_total"] != 3 {
		t.Fatalf("expected login success 3, got %v", got["gateauth_login_success_total"])
	}
	if got["gateauth_refresh_reuse_detected_total"] != 1 {
		t.Fatalf("expected reuse 1, got %v", got["gateauth_refresh_reuse_detected_total"])
	}
	if got["gateauth_validate_latency_seconds_bucket_le_0_025"] != 3 {
		t.Fatalf("expected cumulative bucket 3, got %v", got["gateauth_validate_latency_seconds_bucket_le_0_025"])
	}
	if got["gateauth_validate_latency_seconds_count"] != 8 {
		t.Fatalf("expected count 8, got %v", got["gateauth_validate_latency_seconds_count"])
	}
	if got["gateauth_audit_dropped_total"] != 4 {
		t.Fatalf("expected dropped 4, got %v", got["gateauth_audit_dropped_total"])
	}
}

func TestExporterRejectsNilArguments(t *testing.T) {
	_, provider := newReader(t)

	if _, err := NewExporter(provider.Meter("gateauth-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporter(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
	var nilExporter *Exporter
	if err := nilExporter.Close(); err != nil {
		t.Fatalf("nil Close should be a no-op, got %v", err)
	}
}

func TestExporterConcurrentCollect(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{counters: map[gateauth.MetricID]uint64{gateauth.MetricLoginSuccess: 1}}

	exp, err := NewExporter(provider.Meter("gateauth-test"), src)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	defer exp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.counters[gateauth.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
