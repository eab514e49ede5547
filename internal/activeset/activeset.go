// Package activeset implements the global in-flight story set described in
// spec.md §4.6: the single source of truth for "a worker currently holds
// this story."
package activeset

import (
	"sync"

	"github.com/agentworkforce/storywatch/internal/model"
)

// Store is the optional durable mirror described in SPEC_FULL.md §4.14. A
// nil Store is valid and simply disables crash recovery.
type Store interface {
	Insert(id model.Identity) error
	Remove(id model.Identity) error
	Snapshot() ([]model.Identity, error)
}

// ActiveSet is a thread-safe set keyed by story identity, guarded by a
// single mutex since membership checks and mutation always happen together
// (TryInsert is a compare-and-set, not a separate contains-then-insert).
type ActiveSet struct {
	mu      sync.Mutex
	members map[model.Identity]struct{}
	store   Store
}

// New builds an ActiveSet. store may be nil.
func New(store Store) *ActiveSet {
	return &ActiveSet{
		members: map[model.Identity]struct{}{},
		store:   store,
	}
}

// Recover loads any identities left in the durable store from a previous
// process lifetime and adds them to the set, so they count as in flight
// until removed. Called once at startup, before any worker runs; it
// returns the recovered identities and does nothing else with them
// (cmd/storywatch logs how many there were and does not re-offer them to
// the Coordinator).
func (a *ActiveSet) Recover() ([]model.Identity, error) {
	if a.store == nil {
		return nil, nil
	}
	ids, err := a.store.Snapshot()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.members[id] = struct{}{}
	}
	return ids, nil
}

// TryInsert reports whether id was newly inserted. If id was already
// present, it reports alreadyPresent=true and leaves the set unchanged.
func (a *ActiveSet) TryInsert(id model.Identity) (inserted, alreadyPresent bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.members[id]; exists {
		return false, true
	}
	a.members[id] = struct{}{}
	if a.store != nil {
		if err := a.store.Insert(id); err != nil {
			delete(a.members, id)
			return false, false
		}
	}
	return true, false
}

// Remove deletes id from the set. Removing an absent id is a no-op.
func (a *ActiveSet) Remove(id model.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.members[id]; !exists {
		return
	}
	delete(a.members, id)
	if a.store != nil {
		_ = a.store.Remove(id)
	}
}

// Contains reports whether id is currently in flight.
func (a *ActiveSet) Contains(id model.Identity) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.members[id]
	return ok
}

// Len reports the current number of in-flight stories. Used by health
// reporting only; no iteration-order guarantee is made or needed.
func (a *ActiveSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members)
}

// Members returns a snapshot copy of every identity currently in flight, for
// the maintenance sweep's consistency audit. No iteration-order guarantee is
// made.
func (a *ActiveSet) Members() []model.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Identity, 0, len(a.members))
	for id := range a.members {
		out = append(out, id)
	}
	return out
}
