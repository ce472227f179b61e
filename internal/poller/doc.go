// Package poller implements the per-feed Source Poller.
//
// The Source Poller:
//   - Fetches one feed at a fast cadence inside operating hours, slow outside
//   - Retries failures with capped exponential backoff
//   - Falls back to the last known-good value, marked stale, once retries
//     are exhausted, and keeps probing at a widened interval
//   - Coalesces concurrent refresh requests into one upstream call
//   - Rate limits upstream requests per feed
package poller
