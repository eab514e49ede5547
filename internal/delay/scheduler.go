// Package delay implements the DelayScheduler described in spec.md §4.5:
// a single place that holds retrying/final-attempt stories until their
// fire_at time, then reinjects them into the ingress channel exactly once.
//
// Grounded on the teacher's scheduleEnvelopeRetry pattern (relayfile's
// store.go), which used time.AfterFunc per pending item; here the clock is
// abstracted behind a Clock interface so tests can drive firing without
// real sleeps.
package delay

import (
	"sync"
	"time"

	"github.com/agentworkforce/storywatch/internal/model"
)

// Clock is the time source DelayScheduler schedules against. The real
// implementation is backed by time.AfterFunc; tests inject a virtual clock
// that fires on demand.
type Clock interface {
	// AfterFunc schedules f to run after d elapses and returns a handle
	// that can cancel the pending firing. f may run on any goroutine.
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is the cancellation handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// realClock wraps time.AfterFunc for production use.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// entry is a pending scheduled reinjection.
type entry struct {
	story   model.Story
	fireAt  time.Time
	timer   Timer
	fired   bool
	dropped bool
}

// Store is the optional durable mirror described in SPEC_FULL.md §4.14: a
// Hail-Mary retry scheduled just before a crash should still fire after a
// restart. A nil Store simply disables that recovery.
type Store interface {
	Insert(id model.Identity, story model.Story, fireAt time.Time) error
	Remove(id model.Identity) error
	Snapshot() ([]StoredEntry, error)
}

// StoredEntry is one durable delay-store record.
type StoredEntry struct {
	Story  model.Story
	FireAt time.Time
}

// Scheduler holds pending delayed stories and reinjects them onto a sink
// channel at their scheduled time. It must be constructed with New and
// stopped with Cancel exactly once.
type Scheduler struct {
	clock Clock
	sink  chan<- model.Story
	log   Logger
	store Store

	mu      sync.Mutex
	pending map[model.Identity]*entry
	closed  bool
}

// Logger is the minimal logging surface DelayScheduler needs; satisfied by
// the internal/logging adapter.
type Logger interface {
	Warnw(msg string, kv ...any)
	Infow(msg string, kv ...any)
}

// New builds a Scheduler with no durable mirror. sink is the ingress
// channel stories are pushed back onto when they fire; clock is nil-safe
// and defaults to RealClock.
func New(sink chan<- model.Story, clock Clock, log Logger) *Scheduler {
	return NewWithStore(sink, clock, log, nil)
}

// NewWithStore builds a Scheduler backed by a durable Store (may be nil).
func NewWithStore(sink chan<- model.Story, clock Clock, log Logger, store Store) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		clock:   clock,
		sink:    sink,
		log:     log,
		store:   store,
		pending: map[model.Identity]*entry{},
	}
}

// Recover loads entries left in the durable store from a previous process
// lifetime and re-schedules them, clamped to fire immediately if their
// fire_at already elapsed while the process was down. Call once at
// startup before Schedule/Cancel are used concurrently.
func (s *Scheduler) Recover() error {
	if s.store == nil {
		return nil
	}
	entries, err := s.store.Snapshot()
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.scheduleLocked(e.Story, e.FireAt, true)
	}
	return nil
}

// Schedule arranges for story to be reinjected at fireAt. If an entry for
// the same identity is already pending, it is replaced (the prior timer is
// stopped) so a story is never double-fired. Scheduling on a cancelled
// Scheduler is a no-op; the story is logged and dropped, matching
// shutdown-time semantics.
func (s *Scheduler) Schedule(story model.Story, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(story, fireAt, false)
}

// scheduleLocked is Schedule's body, factored out so Recover can replay
// stored entries without re-mirroring them into the store it just read
// them from.
func (s *Scheduler) scheduleLocked(story model.Story, fireAt time.Time, fromRecovery bool) {
	id := story.Identity()

	if s.closed {
		if s.log != nil {
			s.log.Warnw("delay scheduler closed, dropping story", "url", story.URL, "site", story.Site)
		}
		return
	}
	if prior, ok := s.pending[id]; ok {
		prior.timer.Stop()
		delete(s.pending, id)
	}

	if !fromRecovery && s.store != nil {
		if err := s.store.Insert(id, story, fireAt); err != nil && s.log != nil {
			s.log.Warnw("delay store insert failed", "url", story.URL, "err", err)
		}
	}

	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	e := &entry{story: story, fireAt: fireAt}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(id) })
	s.pending[id] = e
}

// fire pushes the pending story for id onto the sink, guarding against a
// timer that races with Cancel or a duplicate fire.
func (s *Scheduler) fire(id model.Identity) {
	s.mu.Lock()
	e, ok := s.pending[id]
	if !ok || e.fired || e.dropped {
		s.mu.Unlock()
		return
	}
	e.fired = true
	delete(s.pending, id)
	story := e.story
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Remove(id); err != nil && s.log != nil {
			s.log.Warnw("delay store remove failed", "url", story.URL, "err", err)
		}
	}
	s.sink <- story
}

// Pending reports the number of stories currently waiting to fire. Used by
// health reporting only.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Contains reports whether id currently has a pending scheduled entry. Per
// spec.md §9's open question on duplicate ingestion, EmailSource consults
// this alongside ActiveSet membership before routing an arrival, so a story
// already waiting out a retry delay is not re-queued as a fresh arrival.
func (s *Scheduler) Contains(id model.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// PendingEntries returns a snapshot of every currently scheduled entry,
// for the maintenance sweep's consistency audit. It is a copy; mutating
// the result has no effect on the scheduler.
func (s *Scheduler) PendingEntries() []StoredEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredEntry, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, StoredEntry{Story: e.story, FireAt: e.fireAt})
	}
	return out
}

// Cancel stops every pending entry without reinjecting it, per spec.md
// §4.5's shutdown contract: dropped entries are logged, never fired. Safe
// to call once; subsequent Schedule calls become no-ops.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, e := range s.pending {
		e.timer.Stop()
		e.dropped = true
		if s.log != nil {
			s.log.Infow("dropping pending retry on shutdown", "url", e.story.URL, "site", e.story.Site)
		}
		delete(s.pending, id)
	}
}

// StoreDrop removes id from the durable store without firing it. Intended
// for callers that intentionally abandon a single scheduled retry (e.g. a
// maintenance sweep correcting a stuck entry) rather than a full shutdown.
func (s *Scheduler) StoreDrop(id model.Identity) {
	if s.store == nil {
		return
	}
	if err := s.store.Remove(id); err != nil && s.log != nil {
		s.log.Warnw("delay store remove failed", "identity", id, "err", err)
	}
}
