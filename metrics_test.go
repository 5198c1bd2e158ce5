package gateauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/gateauth/store"
	"github.com/MrEthical07/gateauth/store/memstore"
)

func TestMetricsDisabledIgnoresIncrements(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)
	m.add(MetricSweepRemoved, 4)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("expected empty snapshot, got %d counters", len(snap.Counters))
	}
}

func TestMetricsConcurrentIncrements(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 16
	const perG = 2000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	if got, want := m.Value(MetricRefreshSuccess), uint64(goroutines*perG); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	for _, d := range []time.Duration{
		time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
		90 * time.Millisecond,
		250 * time.Millisecond,
		400 * time.Millisecond,
		2 * time.Second,
	} {
		m.Observe(MetricValidateLatency, d)
	}
	// Only the validation latency has a histogram.
	m.Observe(MetricLoginSuccess, time.Millisecond)

	buckets := m.Snapshot().Histograms[MetricValidateLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
	if _, ok := m.Snapshot().Histograms[MetricLoginSuccess]; ok {
		t.Fatal("unexpected histogram for a counter")
	}
}

func TestMetricIDNamesAreUnique(t *testing.T) {
	seen := make(map[string]MetricID)
	for _, id := range MetricIDs() {
		name := id.String()
		if name == "" {
			t.Fatalf("metric %d has no name", id)
		}
		if prev, dup := seen[name]; dup {
			t.Fatalf("metrics %d and %d share name %q", prev, id, name)
		}
		seen[name] = id
	}
}

// countingStore records every call that reaches the backing store.
type countingStore struct {
	store.Store
	calls atomic.Int64
}

func (s *countingStore) IdentityByID(ctx context.Context, id string) (*store.Identity, error) {
	s.calls.Add(1)
	return s.Store.IdentityByID(ctx, id)
}

func (s *countingStore) GetRefresh(ctx context.Context, tokenID string) (*store.RefreshRecord, error) {
	s.calls.Add(1)
	return s.Store.GetRefresh(ctx, tokenID)
}

func TestValidateAccessRecordsLatencyWithoutStore(t *testing.T) {
	st := &countingStore{Store: memstore.New()}
	e, err := New().
		WithConfig(testConfig()).
		WithStore(st).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if _, err := e.Register(ctx, "alice@example.com", "Secret123", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	pair, err := e.Login(ctx, "alice@example.com", "Secret123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	st.calls.Store(0)
	if _, err := e.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if n := st.calls.Load(); n != 0 {
		t.Fatalf("expected no store calls, got %d", n)
	}

	var total uint64
	for _, v := range e.MetricsSnapshot().Histograms[MetricValidateLatency] {
		total += v
	}
	if total != 1 {
		t.Fatalf("expected one latency observation, got %d", total)
	}
}
