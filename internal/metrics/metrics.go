package metrics

import "sync"

// Drop reasons recorded by the signaling path. The Multiplexer and the
// Negotiator count what they discard so protocol noise is observable
// without crashing the call.
const (
	DropMalformedEnvelope = "malformed_envelope"
	DropSelfEcho          = "self_echo"
	DropUnknownKind       = "unknown_kind"
	DropWrongState        = "wrong_state"
	DropRateLimited       = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production deployment is expected to plug into a real metrics
// backend; this type keeps the drop accounting testable in-process.
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
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters, for exposition and tests.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
