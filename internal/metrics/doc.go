// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream fetch results, latencies and consecutive failures per feed
//   - Durable write outcomes and the not-yet-durable backlog
//   - Price store publish, reject and subscriber counts
//   - Stream connection state and message outcomes
//   - Retention archive and delete counts
//   - HTTP request rates and latencies
package metrics
