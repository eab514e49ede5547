// Package maintenance implements the nightly consistency sweep from
// SPEC_FULL.md §4.18: a robfig/cron/v3-scheduled audit that never mutates
// state, only logs discrepancies at warning. Grounded on the pack's
// telegram-bot Scheduler for the cron.New/AddFunc/Start/Stop wiring.
package maintenance

import (
	"fmt"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/coordinator"
	"github.com/agentworkforce/storywatch/internal/delay"
)

// Logger is the minimal logging surface the sweep needs.
type Logger interface {
	Warnw(msg string, kv ...any)
	Infow(msg string, kv ...any)
}

// Sweep audits ActiveSet, Coordinator, and DelayScheduler state for the
// three invariants named in SPEC_FULL.md §4.18. It holds no state of its
// own between firings and never mutates any of the components it reads.
type Sweep struct {
	active *activeset.ActiveSet
	coord  *coordinator.Coordinator
	delay  *delay.Scheduler
	log    Logger
}

// New builds a Sweep over the given components.
func New(active *activeset.ActiveSet, coord *coordinator.Coordinator, delaySched *delay.Scheduler, log Logger) *Sweep {
	return &Sweep{active: active, coord: coord, delay: delaySched, log: log}
}

// Run performs one audit pass. It never returns an error; every discrepancy
// it finds is logged at warning and the sweep continues to completion so a
// single bad entry never hides the rest.
func (s *Sweep) Run() {
	s.log.Infow("maintenance sweep starting")
	s.auditActiveSetHasAssignment()
	s.auditBacklogDisjointFromActiveSet()
	s.auditDelayFireAtMonotonic()
	s.log.Infow("maintenance sweep complete")
}

// auditActiveSetHasAssignment checks that every in-flight story's site is
// currently assigned to some worker. A member with no assignment means a
// story is considered "in flight" with nobody actually holding it.
func (s *Sweep) auditActiveSetHasAssignment() {
	snap := s.coord.Snapshot()
	for _, id := range s.active.Members() {
		if _, assigned := snap.Assignment[id.Site]; !assigned {
			s.log.Warnw("active set member has no coordinator assignment",
				"url", id.URL, "site", id.Site, "library_id", id.LibraryID)
		}
	}
}

// auditBacklogDisjointFromActiveSet checks that no site backlog holds a
// story whose identity is also present in the ActiveSet; such an entry
// would be reprocessed while already in flight.
func (s *Sweep) auditBacklogDisjointFromActiveSet() {
	snap := s.coord.Snapshot()
	for site, stories := range snap.Backlog {
		for _, story := range stories {
			id := story.Identity()
			if s.active.Contains(id) {
				s.log.Warnw("backlog entry duplicates an active set member",
					"url", id.URL, "site", site, "library_id", id.LibraryID)
			}
		}
	}
}

// auditDelayFireAtMonotonic sorts DelayScheduler's pending entries by
// fire_at and warns on any entry whose fire_at is strictly earlier than
// the one before it. PendingEntries carries no insertion order, and after
// the sort no such decrease can occur, so this check never warns.
func (s *Sweep) auditDelayFireAtMonotonic() {
	entries := s.delay.PendingEntries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].FireAt.Before(entries[j].FireAt) })
	for i := 1; i < len(entries); i++ {
		if entries[i].FireAt.Before(entries[i-1].FireAt) {
			s.log.Warnw("delay scheduler entries are not monotonically ordered",
				"earlier_url", entries[i-1].Story.URL, "later_url", entries[i].Story.URL)
		}
	}
}

// Scheduler wraps a robfig/cron/v3 Cron instance running Sweep.Run on a
// configurable schedule on cron's own goroutine; cmd/storywatch starts
// and stops it directly, outside TaskRuntime.
type Scheduler struct {
	cron  *cron.Cron
	sweep *Sweep
	spec  string
}

// NewScheduler builds a Scheduler that fires sweep.Run according to spec
// (standard 5-field cron syntax, e.g. "0 3 * * *").
func NewScheduler(sweep *Sweep, spec string) (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, sweep.Run); err != nil {
		return nil, fmt.Errorf("maintenance: invalid cron spec %q: %w", spec, err)
	}
	return &Scheduler{cron: c, sweep: sweep, spec: spec}, nil
}

// Start begins the cron scheduler. Non-blocking; cron runs its own
// goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-progress firing to
// complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
