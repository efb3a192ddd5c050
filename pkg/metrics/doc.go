// Package metrics defines and registers the Prometheus metrics for the
// scheduler and scanner-node processes: task lifecycle counts, chunk
// dispatch latency, case execution outcomes, fingerprint cache hit rate,
// concurrency pool occupancy, and broker publish latency. All metrics are
// registered at package init; Handler returns the scrape endpoint.
package metrics
