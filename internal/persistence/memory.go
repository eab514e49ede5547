package persistence

import (
	"sync"
	"time"

	"github.com/agentworkforce/storywatch/internal/delay"
	"github.com/agentworkforce/storywatch/internal/model"
)

// MemoryActiveSetStore mirrors the teacher's InMemoryStateBackend: a
// process-lifetime-only durable store, useful mainly for tests and for
// the "memory" profile where durability across restarts is not wanted.
type MemoryActiveSetStore struct {
	mu      sync.Mutex
	members map[model.Identity]struct{}
}

func NewMemoryActiveSetStore() *MemoryActiveSetStore {
	return &MemoryActiveSetStore{members: map[model.Identity]struct{}{}}
}

func (s *MemoryActiveSetStore) Insert(id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id] = struct{}{}
	return nil
}

func (s *MemoryActiveSetStore) Remove(id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, id)
	return nil
}

func (s *MemoryActiveSetStore) Snapshot() ([]model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Identity, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out, nil
}

// MemoryDelayStore is the equivalent in-process mirror for DelayScheduler
// entries.
type MemoryDelayStore struct {
	mu      sync.Mutex
	entries map[model.Identity]delay.StoredEntry
}

func NewMemoryDelayStore() *MemoryDelayStore {
	return &MemoryDelayStore{entries: map[model.Identity]delay.StoredEntry{}}
}

func (s *MemoryDelayStore) Insert(id model.Identity, story model.Story, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = delay.StoredEntry{Story: story, FireAt: fireAt}
	return nil
}

func (s *MemoryDelayStore) Remove(id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryDelayStore) Snapshot() ([]delay.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delay.StoredEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}
