package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable marks storage failures. Callers treat it the same as a miss
// so that a broken store degrades service quality instead of availability.
var ErrUnavailable = errors.New("cache: store unavailable")

// Entry is a stored payload together with its expiry and provenance.
// Get returns expired entries as-is; staleness is the caller's concern.
type Entry struct {
	Key       string
	Payload   json.RawMessage
	ExpiresAt time.Time
	Source    string
}

// Expired reports whether the entry is stale at the supplied instant.
func (e *Entry) Expired(now time.Time) bool {
	if e == nil {
		return true
	}
	return !now.Before(e.ExpiresAt)
}

// Store persists market payloads keyed by cache key.
type Store interface {
	// Get returns the entry for key, expired or not. The boolean reports
	// whether a row exists.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Put upserts the payload for key in a single atomic operation so
	// concurrent readers never observe the key as missing mid-replace.
	Put(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration, source string) error

	// Sweep removes rows whose expiry is older than the supplied cutoff and
	// returns the number removed. Housekeeping only.
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
}
