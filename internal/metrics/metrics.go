package metrics

import "sync"

// Counter names used by the relay. Kept as plain strings so the registry
// stays a simple map; a follow-up can promote these to a real metrics
// backend.
const (
	RoomsCreated     = "rooms_created"
	RoomsDeleted     = "rooms_deleted"
	MembersJoined    = "members_joined"
	MembersLeft      = "members_left"
	JoinRejected     = "join_rejected"
	EnvelopesRouted  = "envelopes_routed"
	RouteMisses      = "route_misses"
	BroadcastsSent   = "broadcasts_sent"
	BroadcastDropped = "broadcast_dropped"
	ProtocolErrors   = "protocol_errors"
	RateLimited      = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
