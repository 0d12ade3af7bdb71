// Package metrics declares the daemon's prometheus collectors:
// container and volume gauges, RPC counters and latencies, event and
// error totals. Serve exposes /metrics when the daemon config enables
// a listen address.
package metrics
