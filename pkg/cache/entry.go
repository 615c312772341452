package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the envelope stored for every cached payload.
type Entry struct {
	// Data is the JSON payload.
	Data json.RawMessage `json:"data"`

	// Timestamp is the write time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// ETag is the backend validator, when the response carried one.
	ETag string `json:"etag,omitempty"`

	// Version is the envelope schema version the entry was written with.
	Version int `json:"v"`
}

// WrittenAt returns the write time.
func (e *Entry) WrittenAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Age returns how long ago the entry was written relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt())
}

// IsExpired reports whether the entry is older than ttl. A zero ttl never expires.
func (e *Entry) IsExpired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.UnixMilli()-e.Timestamp > ttl.Milliseconds()
}

// Decode unmarshals the payload into v. An entry without data is ErrInvalidEntry.
func (e *Entry) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("entry has no data: %w", ErrInvalidEntry)
	}
	return json.Unmarshal(e.Data, v)
}
