package aggregator

import (
	"sync"

	"meshfabric.dev/core/bootstrap"
)

// StateRegistry holds proposed-state blobs keyed by their state_hash,
// satisfying poa.KnownStateSource. Spec §4.4 step 4 requires a
// CommitToken's state_hash to "match a known proposed-state blob
// already delivered via a separate preparatory frame (or included
// inline)"; §6's wire table defines no such preparatory message type,
// so this registry is the local, operator-facing surface (out of the
// trust boundary per spec §1) through which that blob is registered
// before the CommitToken referencing its hash arrives.
type StateRegistry struct {
	mu    sync.Mutex
	known map[[32]byte]bootstrap.Config
}

// NewStateRegistry constructs an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{known: make(map[[32]byte]bootstrap.Config)}
}

// Propose registers a proposed-state blob under its hash, making it
// eligible for a subsequent CommitToken to reference.
func (r *StateRegistry) Propose(hash [32]byte, cfg bootstrap.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[hash] = cfg
}

// HasState implements poa.KnownStateSource.
func (r *StateRegistry) HasState(hash [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[hash]
	return ok
}

// Get retrieves a previously proposed blob by hash.
func (r *StateRegistry) Get(hash [32]byte) (bootstrap.Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.known[hash]
	return cfg, ok
}

// Forget discards a proposed blob, typically after it has been
// applied and there is no further use for it.
func (r *StateRegistry) Forget(hash [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.known, hash)
}
