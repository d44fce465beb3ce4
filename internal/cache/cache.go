package cache

import (
	"context"
	"sync"
	"time"
)

// Type namespaces cache entries. Each reloadable decoder owns its own
// namespaces and never touches another decoder's.
type Type string

const (
	CacheCurveLendVaults      Type = "curve_lend_vaults"
	CacheCurveLendControllers Type = "curve_lend_controllers"
	// CacheCurveLendUnderlying maps a vault or controller address to the
	// market's borrowed token address.
	CacheCurveLendUnderlying Type = "curve_lend_underlying"
)

// DefaultRefreshInterval is how long a namespace's discovered set is
// considered fresh before a decoder may query the chain again.
const DefaultRefreshInterval = 24 * time.Hour

// Store is the generic key-parts to value cache consumed by reloadable
// decoders. Writes must be idempotent (insert-if-absent) and safe under
// concurrent decode tasks discovering the same entry.
type Store interface {
	// Get returns the value stored under (typ, key).
	Get(ctx context.Context, typ Type, key string) (string, bool, error)
	// SetKeyed stores value under (typ, key), replacing any previous value.
	SetKeyed(ctx context.Context, typ Type, key, value string) error
	// Add inserts value into the namespace set if absent.
	Add(ctx context.Context, typ Type, value string) error
	// Members returns all values in the namespace set.
	Members(ctx context.Context, typ Type) ([]string, error)
	// Count returns the namespace set size. Cheap freshness short-circuit.
	Count(ctx context.Context, typ Type) (int, error)
	// LastQueried returns when the namespace was last refreshed remotely.
	LastQueried(ctx context.Context, typ Type) (time.Time, error)
	// SetLastQueried records a remote refresh of the namespace.
	SetLastQueried(ctx context.Context, typ Type, at time.Time) error
}

// ShouldRefresh reports whether the namespace's remote data is stale.
func ShouldRefresh(ctx context.Context, store Store, typ Type, interval time.Duration) (bool, error) {
	last, err := store.LastQueried(ctx, typ)
	if err != nil {
		return false, err
	}
	return time.Since(last) >= interval, nil
}

// MemoryStore is a mutex-guarded in-memory Store, used in tests and by the
// CLI when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	values      map[Type]map[string]string
	sets        map[Type][]string
	setIndex    map[Type]map[string]struct{}
	lastQueried map[Type]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:      make(map[Type]map[string]string),
		sets:        make(map[Type][]string),
		setIndex:    make(map[Type]map[string]struct{}),
		lastQueried: make(map[Type]time.Time),
	}
}

// Get returns the value stored under (typ, key).
func (s *MemoryStore) Get(_ context.Context, typ Type, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[typ][key]
	return value, ok, nil
}

// SetKeyed stores value under (typ, key).
func (s *MemoryStore) SetKeyed(_ context.Context, typ Type, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[typ] == nil {
		s.values[typ] = make(map[string]string)
	}
	s.values[typ][key] = value
	return nil
}

// Add inserts value into the namespace set if absent.
func (s *MemoryStore) Add(_ context.Context, typ Type, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setIndex[typ] == nil {
		s.setIndex[typ] = make(map[string]struct{})
	}
	if _, ok := s.setIndex[typ][value]; ok {
		return nil
	}
	s.setIndex[typ][value] = struct{}{}
	s.sets[typ] = append(s.sets[typ], value)
	return nil
}

// Members returns all values in the namespace set, in insertion order.
func (s *MemoryStore) Members(_ context.Context, typ Type) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.sets[typ]))
	copy(out, s.sets[typ])
	return out, nil
}

// Count returns the namespace set size.
func (s *MemoryStore) Count(_ context.Context, typ Type) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[typ]), nil
}

// LastQueried returns when the namespace was last refreshed remotely.
func (s *MemoryStore) LastQueried(_ context.Context, typ Type) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastQueried[typ], nil
}

// SetLastQueried records a remote refresh of the namespace.
func (s *MemoryStore) SetLastQueried(_ context.Context, typ Type, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQueried[typ] = at
	return nil
}
