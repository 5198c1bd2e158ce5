// Package prometheus exposes gateauth engine metrics through a
// client_golang [prometheus.Collector].
//
// The collector reads Engine.MetricsSnapshot on every scrape, so counters are
// never duplicated into a second set of Prometheus instruments. Counter names
// are gateauth_*_total; the one histogram is gateauth_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register with the global Prometheus registry. Callers pick the registry.
//   - Mutate engine state.
package prometheus
