// ============================================================================
// Pipeline Scheduler Activation Store
// ============================================================================
//
// Package: internal/activation
// File: store.go
// Purpose: In-memory cache of tensors produced during forward execution,
//          addressed by (microbatch, partition)
//
// Layout:
//   Store
//   ├─ Output  - stage outputs, needed to start the backward pass
//   └─ Input   - stage inputs, needed to compute the gradient
//
//   The two sub-stores are separate maps, so their key spaces never collide.
//
// Entry Lifecycle:
//   Put()    forward job callback, after compute
//   Has()    backward job creator precondition
//   Take()   backward job function, atomic read-and-remove
//   Clear()  run abort / run boundary
//
// Concurrency:
//   - sync.RWMutex per sub-store
//   - Take is check-and-remove under one lock, so no two workers can
//     consume the same entry
//
// ============================================================================

package activation

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
)

var (
	// ErrNotFound is returned when no entry exists for a key
	ErrNotFound = errors.New("activation not found")
	// ErrDuplicate is returned when an entry already exists for a key
	ErrDuplicate = errors.New("activation already saved")
)

// Kind names a sub-store
type Kind string

const (
	KindOutput Kind = "output"
	KindInput  Kind = "input"
)

// Observer is notified whenever the size of a sub-store changes
type Observer func(kind Kind, size int)

// Table is one keyed sub-store
type Table struct {
	kind    Kind
	mu      sync.RWMutex
	entries map[types.ActivationKey]any
	observe Observer
}

func newTable(kind Kind, observe Observer) *Table {
	return &Table{
		kind:    kind,
		entries: make(map[types.ActivationKey]any),
		observe: observe,
	}
}

// Kind returns which sub-store this is
func (t *Table) Kind() Kind {
	return t.kind
}

// Put saves value under key. Saving twice for the same key is an error,
// since each (microbatch, partition) runs forward exactly once per run.
func (t *Table) Put(key types.ActivationKey, value any) error {
	t.mu.Lock()
	if _, exists := t.entries[key]; exists {
		t.mu.Unlock()
		return ErrDuplicate
	}
	t.entries[key] = value
	size := len(t.entries)
	t.mu.Unlock()

	t.notify(size)
	return nil
}

// Has reports whether an entry exists for key
func (t *Table) Has(key types.ActivationKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.entries[key]
	return exists
}

// Get returns the entry for key without removing it
func (t *Table) Get(key types.ActivationKey) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	value, exists := t.entries[key]
	return value, exists
}

// Take removes and returns the entry for key
func (t *Table) Take(key types.ActivationKey) (any, error) {
	t.mu.Lock()
	value, exists := t.entries[key]
	if !exists {
		t.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(t.entries, key)
	size := len(t.entries)
	t.mu.Unlock()

	t.notify(size)
	return value, nil
}

// Delete removes the entry for key, if any
func (t *Table) Delete(key types.ActivationKey) {
	t.mu.Lock()
	delete(t.entries, key)
	size := len(t.entries)
	t.mu.Unlock()

	t.notify(size)
}

// Len returns the number of cached entries
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Keys returns the cached keys in no particular order
func (t *Table) Keys() []types.ActivationKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]types.ActivationKey, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

func (t *Table) clear() {
	t.mu.Lock()
	t.entries = make(map[types.ActivationKey]any)
	t.mu.Unlock()

	t.notify(0)
}

func (t *Table) notify(size int) {
	if t.observe != nil {
		t.observe(t.kind, size)
	}
}

// Store holds the output and input activation sub-stores of one run
type Store struct {
	Output *Table
	Input  *Table
}

// NewStore creates an empty store. observe may be nil.
func NewStore(observe Observer) *Store {
	return &Store{
		Output: newTable(KindOutput, observe),
		Input:  newTable(KindInput, observe),
	}
}

// HasPair reports whether both output and input activations exist for key
func (s *Store) HasPair(key types.ActivationKey) bool {
	return s.Output.Has(key) && s.Input.Has(key)
}

// Contains reports whether either sub-store holds key
func (s *Store) Contains(key types.ActivationKey) bool {
	return s.Output.Has(key) || s.Input.Has(key)
}

// Len returns the total number of cached entries across both sub-stores
func (s *Store) Len() int {
	return s.Output.Len() + s.Input.Len()
}

// Clear releases every entry; called at run start and on abort
func (s *Store) Clear() {
	s.Output.clear()
	s.Input.clear()
}
