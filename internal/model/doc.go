// Package model defines the data types shared by the feed synchronization core.
//
// Conventions:
//   - Monetary values and rates: decimal.Decimal, never float64
//   - Timestamps: time.Time; observation dates are calendar days in the
//     operating timezone, normalized to midnight UTC
//   - Feeds: FeedID string enum, one slot per feed everywhere
package model
