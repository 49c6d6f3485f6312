package directory

import (
	"context"
	"maps"
	"sync"

	"github.com/die-net/gateproxy/internal/auth"
)

// Static is an in-memory directory. It is safe for concurrent use; Set and
// Delete take effect for subsequent lookups.
type Static struct {
	Enforce bool

	mu      sync.RWMutex
	records map[string]auth.Record
}

// NewStatic returns a directory holding a copy of records.
func NewStatic(records map[string]auth.Record, enforceSecrets bool) *Static {
	return &Static{Enforce: enforceSecrets, records: maps.Clone(records)}
}

var _ auth.Directory = (*Static)(nil)

func (s *Static) Lookup(_ context.Context, id string) (auth.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok, nil
}

func (s *Static) EnforceSecrets() bool { return s.Enforce }

// Set adds or replaces an identity.
func (s *Static) Set(id string, r auth.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]auth.Record)
	}
	s.records[id] = r
}

// Delete removes an identity. Statistics already recorded for it are kept.
func (s *Static) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Len returns the number of identities.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
