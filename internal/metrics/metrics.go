package metrics

import "sync"

// Counter names used across the relay. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via OTel.
const (
	SessionsOpened = "sessions_opened"
	SessionsClosed = "sessions_closed"

	RegisterSuccess = "register_success"
	RegisterFailure = "register_failure"
	AuthSuccess     = "auth_success"
	AuthFailure     = "auth_failure"

	RoomJoins  = "room_joins"
	RoomLeaves = "room_leaves"

	EventsRelayed  = "events_relayed"
	EventsRejected = "events_rejected"

	DropReasonSlowConsumer    = "dropped_slow_consumer"
	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production relay is expected to plug into a real metrics backend; this
// type exists to keep gate/fan-out logic testable while still exposing drop
// counters over /metrics.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
