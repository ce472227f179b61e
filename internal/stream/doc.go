// Package stream receives push deliveries of a feed over WebSocket and hands
// each normalized quote to the persistence gateway, exactly like a polled
// fetch.
package stream
