package state

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments. A single mutex serializes writes, which makes SaveIfVersion
// trivially atomic.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	now    func() time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects the time source, for deterministic tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		states: make(map[string]State),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// A compile time check to ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id,
	stateType string) (fn.Option[State], error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok || st.Type != stateType {
		return fn.None[State](), nil
	}

	return fn.Some(cloneState(st)), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, id, stateType string,
	data []byte) (uint64, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(id, stateType, data), nil
}

// SaveIfVersion implements Store.
func (s *MemoryStore) SaveIfVersion(_ context.Context, id, stateType string,
	data []byte, expected uint64) (uint64, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	actual := s.states[id].Version
	if actual != expected {
		return 0, &VersionConflictError{
			Expected: expected,
			Actual:   actual,
		}
	}

	return s.write(id, stateType, data), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, id)

	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.states[id]

	return ok, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id, stateType string,
	transform Transform) (State, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	current := fn.None[State]()
	if st, ok := s.states[id]; ok && st.Type == stateType {
		current = fn.Some(cloneState(st))
	}

	data, err := transform(current)
	if err != nil {
		return State{}, err
	}

	s.write(id, stateType, data)

	return cloneState(s.states[id]), nil
}

// write stores the snapshot with the next version. The caller holds the
// lock.
func (s *MemoryStore) write(id, stateType string, data []byte) uint64 {
	next := s.states[id].Version + 1
	s.states[id] = State{
		ID:        id,
		Type:      stateType,
		Data:      append([]byte(nil), data...),
		Version:   next,
		UpdatedAt: s.now(),
	}

	return next
}

func cloneState(st State) State {
	st.Data = append([]byte(nil), st.Data...)
	return st
}
