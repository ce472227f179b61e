// Package feed fetches and normalizes upstream market feeds.
//
// A Source performs exactly one request per Fetch call; retries, backoff and
// coalescing belong to the poller. Payloads are JSON and fields are located
// with gjson paths so that every upstream, HTTP or push, normalizes into the
// same model.PriceQuote.
package feed
