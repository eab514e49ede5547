// Package coordinator implements the domain-locking dispatch loop from
// spec.md §4.3: a single-threaded processing loop that turns story
// arrivals and worker-idle signals into per-site assignments, guaranteeing
// at most one worker per site and at most one site per worker.
package coordinator

import (
	"context"
	"sync"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/model"
)

// Logger is the minimal logging surface the Coordinator needs.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
}

// Arrival carries a newly surfaced story into the ingress channel.
type Arrival struct {
	Story model.Story
}

// WorkerIdle reports that worker w has drained its assigned site channel
// and is ready for reassignment.
type WorkerIdle struct {
	WorkerID     string
	FinishedSite string
}

// Message is the tagged union the ingress channel carries: either Arrival
// or WorkerIdle.
type Message interface{}

// ArrivalMirror is the optional durable observability side channel from
// SPEC_FULL.md §4.14, satisfied by *persistence.IngressMirror. A nil
// mirror (the default) disables mirroring entirely.
type ArrivalMirror interface {
	MirrorArrival(ctx context.Context, story model.Story)
}

const defaultSiteChannelCap = 64

// Coordinator owns all dispatch state. Every field below assignment,
// idleWorkers, backlog, backlogOrder, siteChannels, and workerAssign is
// touched only from the Run goroutine or under mu; mu exists solely to let
// SiteChannel/RegisterWorker be called safely from worker goroutines that
// are not the Run loop.
type Coordinator struct {
	ingress chan Message
	active  *activeset.ActiveSet
	log     Logger
	siteCap int
	mirror  ArrivalMirror

	mu           sync.Mutex
	assignment   map[string]string // site -> worker id
	idleWorkers  map[string]bool
	idleOrder    []string
	backlog      map[string][]model.Story
	backlogOrder []string
	siteChannels map[string]chan model.Story
	workerAssign map[string]chan string
}

// New builds a Coordinator. active is consulted on Arrival to discard
// stories already in flight; siteChannelCap bounds each per-site channel
// (0 uses a sane default).
func New(active *activeset.ActiveSet, log Logger, siteChannelCap int) *Coordinator {
	if siteChannelCap <= 0 {
		siteChannelCap = defaultSiteChannelCap
	}
	return &Coordinator{
		ingress:      make(chan Message, 256),
		active:       active,
		log:          log,
		siteCap:      siteChannelCap,
		assignment:   map[string]string{},
		idleWorkers:  map[string]bool{},
		backlog:      map[string][]model.Story{},
		siteChannels: map[string]chan model.Story{},
		workerAssign: map[string]chan string{},
	}
}

// Ingress returns the channel EmailSource and SiteWorkers send Arrival and
// WorkerIdle messages to.
func (c *Coordinator) Ingress() chan<- Message {
	return c.ingress
}

// SetMirror wires an optional ArrivalMirror. Must be called before Run
// starts; nil disables mirroring (the default).
func (c *Coordinator) SetMirror(mirror ArrivalMirror) {
	c.mirror = mirror
}

// RegisterWorker creates the worker's assignment channel and marks it
// idle, returning the channel the worker should block on to learn which
// site it has been assigned next.
func (c *Coordinator) RegisterWorker(workerID string) <-chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan string, 1)
	c.workerAssign[workerID] = ch
	c.markIdleLocked(workerID)
	return ch
}

// SiteChannel returns (creating if necessary) the bounded channel a worker
// reads stories for site from once assigned.
func (c *Coordinator) SiteChannel(site string) <-chan model.Story {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.siteChannelLocked(site)
}

func (c *Coordinator) siteChannelLocked(site string) chan model.Story {
	ch, ok := c.siteChannels[site]
	if !ok {
		ch = make(chan model.Story, c.siteCap)
		c.siteChannels[site] = ch
	}
	return ch
}

// Run processes the ingress channel until ctx is cancelled. It never
// performs network or filesystem I/O; the only blocking operations are the
// channel read on ingress and the (already-buffered, non-blocking in
// practice) sends into per-site channels.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.ingress:
			c.handle(msg)
			if arrival, ok := msg.(Arrival); ok && c.mirror != nil {
				c.mirror.MirrorArrival(ctx, arrival.Story)
			}
		}
	}
}

func (c *Coordinator) handle(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case Arrival:
		c.handleArrivalLocked(m.Story)
	case WorkerIdle:
		c.handleWorkerIdleLocked(m.WorkerID, m.FinishedSite)
	default:
		c.log.Warnw("coordinator received unknown message type")
	}
}

func (c *Coordinator) handleArrivalLocked(s model.Story) {
	if c.active.Contains(s.Identity()) {
		c.log.Debugw("discarding arrival already in active set", "url", s.URL, "site", s.Site)
		return
	}
	if c.backlogContainsLocked(s) {
		c.log.Debugw("discarding duplicate backlog arrival", "url", s.URL, "site", s.Site)
		return
	}

	if _, seen := c.backlog[s.Site]; !seen {
		c.backlogOrder = append(c.backlogOrder, s.Site)
	}
	c.backlog[s.Site] = append(c.backlog[s.Site], s)

	if _, assigned := c.assignment[s.Site]; !assigned {
		if w, ok := c.popIdleWorkerLocked(); ok {
			c.assignLocked(w, s.Site)
		}
	}
}

func (c *Coordinator) handleWorkerIdleLocked(w, finishedSite string) {
	if cur, ok := c.assignment[finishedSite]; ok && cur == w {
		delete(c.assignment, finishedSite)
	}
	c.markIdleLocked(w)

	for _, site := range c.backlogOrder {
		if len(c.backlog[site]) == 0 {
			continue
		}
		if _, assigned := c.assignment[site]; assigned {
			continue
		}
		c.assignLocked(w, site)
		return
	}
}

// assignLocked assigns worker w to site, draining as much of the backlog
// as the bounded site channel will accept without blocking. Any remainder
// stays in backlog and the site remains assigned.
func (c *Coordinator) assignLocked(w, site string) {
	c.assignment[site] = w
	c.removeIdleLocked(w)

	ch := c.siteChannelLocked(site)
	pending := c.backlog[site]
	i := 0
	for ; i < len(pending); i++ {
		select {
		case ch <- pending[i]:
		default:
			goto drained
		}
	}
drained:
	if i == len(pending) {
		delete(c.backlog, site)
	} else {
		c.backlog[site] = pending[i:]
	}

	if ch, ok := c.workerAssign[w]; ok {
		ch <- site
	}
}

func (c *Coordinator) backlogContainsLocked(s model.Story) bool {
	for _, existing := range c.backlog[s.Site] {
		if existing.Identity() == s.Identity() {
			return true
		}
	}
	return false
}

func (c *Coordinator) markIdleLocked(w string) {
	if !c.idleWorkers[w] {
		c.idleWorkers[w] = true
		c.idleOrder = append(c.idleOrder, w)
	}
}

func (c *Coordinator) removeIdleLocked(w string) {
	if !c.idleWorkers[w] {
		return
	}
	delete(c.idleWorkers, w)
	for i, id := range c.idleOrder {
		if id == w {
			c.idleOrder = append(c.idleOrder[:i], c.idleOrder[i+1:]...)
			break
		}
	}
}

// popIdleWorkerLocked returns the longest-idle worker, if any.
func (c *Coordinator) popIdleWorkerLocked() (string, bool) {
	if len(c.idleOrder) == 0 {
		return "", false
	}
	w := c.idleOrder[0]
	c.removeIdleLocked(w)
	return w, true
}

// Snapshot is a read-only copy of dispatch state for the maintenance sweep's
// consistency audit (SPEC_FULL.md §4.18). It never aliases Coordinator's
// internal maps.
type Snapshot struct {
	Assignment map[string]string   // site -> worker id
	Backlog    map[string][]model.Story
}

// Snapshot copies the current assignment table and per-site backlog. Safe to
// call concurrently with Run.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	assignment := make(map[string]string, len(c.assignment))
	for site, w := range c.assignment {
		assignment[site] = w
	}
	backlog := make(map[string][]model.Story, len(c.backlog))
	for site, stories := range c.backlog {
		cp := make([]model.Story, len(stories))
		copy(cp, stories)
		backlog[site] = cp
	}
	return Snapshot{Assignment: assignment, Backlog: backlog}
}
