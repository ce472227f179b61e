package model

import (
	"errors"
	"fmt"
)

// ErrNoData is returned when a feed has never produced a value.
var ErrNoData = errors.New("no data")

// FetchError is a network, timeout or non-2xx failure talking to a feed.
type FetchError struct {
	Feed       FeedID
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Feed, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Feed, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError is a payload that parsed but failed validation.
type ValidationError struct {
	Feed   FeedID
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s: %s", e.Feed, e.Field, e.Reason)
}

// PersistError is a durable write that failed after all attempts.
type PersistError struct {
	Date     string
	SeriesID string
	Attempts int
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s/%s after %d attempts: %v", e.Date, e.SeriesID, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
