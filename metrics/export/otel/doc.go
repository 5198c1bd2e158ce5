// Package otel exports gateauth engine metrics as OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one callback on the given meter; each collection
// reads a single Engine.MetricsSnapshot. The latency histogram is exported as
// cumulative per-bucket gauges plus a count gauge.
//
// # What this package must NOT do
//
//   - Install a global MeterProvider.
//   - Mutate engine state.
package otel
