package stats

import (
	"sync"
	"time"
)

// Kind is the protocol kind of a session.
type Kind int

const (
	KindHTTP Kind = iota
	KindTunnel
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time copy of one identity's counters.
//
// A zero LastAccess means the identity has not been accessed yet.
type Stats struct {
	ActiveConnections int64     `json:"active_connections"`
	TotalRequests     int64     `json:"total_requests"`
	BytesUploaded     int64     `json:"bytes_uploaded"`
	BytesDownloaded   int64     `json:"bytes_downloaded"`
	LastAccess        time.Time `json:"last_access,omitzero"`
}

// Registry tracks connection and traffic counters per identity.
//
// Implementations must be safe for concurrent use.
type Registry interface {
	// OnAccept records an accepted session. Tunnels count as active
	// connections, HTTP sessions as requests.
	OnAccept(identity string, kind Kind)
	// OnTeardown commits the traffic of a finished session and, for tunnels,
	// releases its active connection. Callers guarantee it is invoked once
	// per accepted session.
	OnTeardown(identity string, uploaded, downloaded int64, kind Kind)
	// ActiveConnections returns the current number of open tunnels.
	ActiveConnections(identity string) int64
	// Snapshot returns a copy of all identities' counters.
	Snapshot() map[string]Stats
}

type entry struct {
	mu sync.Mutex
	s  Stats
}

// Memory is an in-process Registry.
type Memory struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{now: time.Now, entries: make(map[string]*entry)}
}

var _ Registry = (*Memory)(nil)

// get returns the entry for identity, creating it on first use.
func (m *Memory) get(identity string) *entry {
	m.mu.RLock()
	e, ok := m.entries[identity]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[identity]; !ok {
		e = &entry{}
		m.entries[identity] = e
	}
	return e
}

func (m *Memory) OnAccept(identity string, kind Kind) {
	e := m.get(identity)
	now := m.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case KindTunnel:
		e.s.ActiveConnections++
	case KindHTTP:
		e.s.TotalRequests++
	}
	e.s.LastAccess = now
}

func (m *Memory) OnTeardown(identity string, uploaded, downloaded int64, kind Kind) {
	e := m.get(identity)
	now := m.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == KindTunnel && e.s.ActiveConnections > 0 {
		e.s.ActiveConnections--
	}
	if uploaded > 0 {
		e.s.BytesUploaded += uploaded
	}
	if downloaded > 0 {
		e.s.BytesDownloaded += downloaded
	}
	e.s.LastAccess = now
}

func (m *Memory) ActiveConnections(identity string) int64 {
	m.mu.RLock()
	e, ok := m.entries[identity]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.ActiveConnections
}

func (m *Memory) Snapshot() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.entries))
	for id, e := range m.entries {
		e.mu.Lock()
		out[id] = e.s
		e.mu.Unlock()
	}
	return out
}

// Totals sums a snapshot across identities. LastAccess is the most recent
// access of any identity.
func Totals(snap map[string]Stats) Stats {
	var t Stats
	for _, s := range snap {
		t.ActiveConnections += s.ActiveConnections
		t.TotalRequests += s.TotalRequests
		t.BytesUploaded += s.BytesUploaded
		t.BytesDownloaded += s.BytesDownloaded
		if s.LastAccess.After(t.LastAccess) {
			t.LastAccess = s.LastAccess
		}
	}
	return t
}
