package metrics

import "sync"

// Counter names used across the relay. Kept as plain strings so the registry
// stays a simple map; the Prometheus handler exposes them via an `event` label.
const (
	RoomCreated   = "room_created"
	RoomDiscarded = "room_discarded"

	JoinOK       = "join_ok"
	JoinRoomFull = "join_room_full"
	JoinQueued   = "join_queued"

	RelayRoutingDrop = "relay_routing_drop"
	ChatMessage      = "chat_message"
	MediaToggle      = "media_toggle"

	DropReasonRateLimited = "rate_limited"
	BadMessage            = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type exists to keep routing/membership logic testable while still providing
// scrapeable drop counters.
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
