// Package pricestore holds the latest known quote of every feed and fans
// updates out to subscribers.
//
// Each feed slot carries a generation counter that increases on every
// accepted change, so consumers can detect staleness without re-fetching.
// A quote older than the stored one is never published. Listeners run on
// their own goroutine behind an unbounded queue; a slow listener delays only
// itself.
package pricestore
