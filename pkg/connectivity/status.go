// Package connectivity tracks whether the storefront backend is reachable.
// The state is mutated only by the detector's own probes; consumers read it
// through Status, Subscribe and WaitInitialized.
package connectivity

import (
	"time"
)

// RedisKeyStatus holds the last recorded status as JSON so other processes
// sharing the Redis instance can read it.
const RedisKeyStatus = "storefront:connectivity:status"

// Default probe settings.
const (
	DefaultInterval         = 15 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 1
)

// Status is the connectivity state seen by consumers.
type Status struct {
	// IsOnline reports whether the last probe reached the backend.
	IsOnline bool `json:"isOnline"`

	// IsInitialized is set once the first probe finished. Fetch decisions
	// wait for it.
	IsInitialized bool `json:"isInitialized"`

	// ChangedAt is the time of the last transition.
	ChangedAt time.Time `json:"changedAt"`
}

// CanFetch reports whether network fetches should be attempted.
func (s Status) CanFetch() bool {
	return s.IsInitialized && s.IsOnline
}

// String returns "unknown", "online" or "offline".
func (s Status) String() string {
	switch {
	case !s.IsInitialized:
		return "unknown"
	case s.IsOnline:
		return "online"
	default:
		return "offline"
	}
}
