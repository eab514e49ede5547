package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/model"
)

type testLogger struct{}

func (testLogger) Debugw(string, ...any) {}
func (testLogger) Infow(string, ...any)  {}
func (testLogger) Warnw(string, ...any)  {}

func newTestCoordinator() *Coordinator {
	return New(activeset.New(nil), testLogger{}, 4)
}

func TestArrivalAssignsIdleWorker(t *testing.T) {
	c := newTestCoordinator()
	assignCh := c.RegisterWorker("w1")

	s := model.Story{URL: "https://ffnet/1", Site: "ffnet"}
	c.handle(Arrival{Story: s})

	select {
	case site := <-assignCh:
		if site != "ffnet" {
			t.Fatalf("want assigned site ffnet, got %q", site)
		}
	default:
		t.Fatal("expected worker to receive assignment")
	}

	siteCh := c.SiteChannel("ffnet")
	select {
	case got := <-siteCh:
		if got.URL != s.URL {
			t.Fatalf("want story %v on site channel, got %v", s, got)
		}
	default:
		t.Fatal("expected story drained onto site channel")
	}
}

func TestArrivalWithNoIdleWorkerQueues(t *testing.T) {
	c := newTestCoordinator()
	s := model.Story{URL: "https://ffnet/1", Site: "ffnet"}
	c.handle(Arrival{Story: s})

	if _, assigned := c.assignment["ffnet"]; assigned {
		t.Fatal("should not assign without an idle worker")
	}
	if len(c.backlog["ffnet"]) != 1 {
		t.Fatalf("want 1 backlogged story, got %d", len(c.backlog["ffnet"]))
	}
}

func TestArrivalDiscardsWhenAlreadyActive(t *testing.T) {
	active := activeset.New(nil)
	s := model.Story{URL: "https://ffnet/1", Site: "ffnet"}
	active.TryInsert(s.Identity())

	c := New(active, testLogger{}, 4)
	c.handle(Arrival{Story: s})

	if len(c.backlog["ffnet"]) != 0 {
		t.Fatal("story already in ActiveSet must not be backlogged")
	}
}

func TestArrivalDiscardsDuplicateBacklogEntry(t *testing.T) {
	c := newTestCoordinator()
	s := model.Story{URL: "https://ffnet/1", Site: "ffnet"}
	c.handle(Arrival{Story: s})
	c.handle(Arrival{Story: s})

	if len(c.backlog["ffnet"]) != 1 {
		t.Fatalf("want 1 deduplicated entry, got %d", len(c.backlog["ffnet"]))
	}
}

func TestWorkerIdleAssignsFromBacklogInInsertionOrder(t *testing.T) {
	c := newTestCoordinator()
	c.handle(Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}})
	c.handle(Arrival{Story: model.Story{URL: "https://b/1", Site: "b"}})

	assignCh := c.RegisterWorker("w1")
	c.handle(WorkerIdle{WorkerID: "w1", FinishedSite: ""})

	select {
	case site := <-assignCh:
		if site != "a" {
			t.Fatalf("want first-inserted site 'a' assigned, got %q", site)
		}
	default:
		t.Fatal("expected assignment from backlog scan")
	}
}

func TestWorkerIdleClearsStaleAssignmentOnly(t *testing.T) {
	c := newTestCoordinator()
	assignCh := c.RegisterWorker("w1")
	c.handle(Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}})
	<-assignCh // w1 assigned to "a"

	c.handle(WorkerIdle{WorkerID: "w1", FinishedSite: "a"})
	if _, assigned := c.assignment["a"]; assigned {
		t.Fatal("expected assignment cleared after WorkerIdle")
	}
}

func TestDomainLockingSingleWorkerPerSite(t *testing.T) {
	c := newTestCoordinator()
	ch1 := c.RegisterWorker("w1")
	ch2 := c.RegisterWorker("w2")

	c.handle(Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}})
	<-ch1

	c.handle(Arrival{Story: model.Story{URL: "https://a/2", Site: "a"}})
	select {
	case <-ch2:
		t.Fatal("second worker must not be assigned the already-owned site")
	default:
	}
	if c.assignment["a"] != "w1" {
		t.Fatalf("want w1 still owning site a, got %q", c.assignment["a"])
	}
}

func TestAssignLeavesRemainderInBacklogWhenChannelFull(t *testing.T) {
	c := New(activeset.New(nil), testLogger{}, 1) // site channel capacity 1
	c.handle(Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}})
	c.handle(Arrival{Story: model.Story{URL: "https://a/2", Site: "a"}})

	assignCh := c.RegisterWorker("w1")
	c.handle(WorkerIdle{WorkerID: "w1", FinishedSite: ""})
	<-assignCh

	if len(c.backlog["a"]) != 1 {
		t.Fatalf("want 1 story left in backlog after partial drain, got %d", len(c.backlog["a"]))
	}
	if c.assignment["a"] != "w1" {
		t.Fatal("site must remain assigned while backlog remainder exists")
	}
}

func TestSnapshotCopiesAssignmentAndBacklog(t *testing.T) {
	c := newTestCoordinator()
	c.handle(Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}})
	c.handle(Arrival{Story: model.Story{URL: "https://b/1", Site: "b"}})

	assignCh := c.RegisterWorker("w1")
	c.handle(WorkerIdle{WorkerID: "w1", FinishedSite: ""})
	<-assignCh // w1 assigned to "a"

	snap := c.Snapshot()
	if snap.Assignment["a"] != "w1" {
		t.Fatalf("want snapshot assignment a->w1, got %q", snap.Assignment["a"])
	}
	if len(snap.Backlog["b"]) != 1 {
		t.Fatalf("want 1 backlogged story for site b, got %d", len(snap.Backlog["b"]))
	}

	snap.Assignment["a"] = "mutated"
	snap.Backlog["b"][0] = model.Story{URL: "https://mutated", Site: "b"}
	if c.assignment["a"] != "w1" {
		t.Fatal("mutating snapshot assignment must not affect Coordinator state")
	}
	if c.backlog["b"][0].URL != "https://b/1" {
		t.Fatal("mutating snapshot backlog must not affect Coordinator state")
	}
}

type fakeMirror struct {
	mu       sync.Mutex
	mirrored []model.Story
}

func (m *fakeMirror) MirrorArrival(_ context.Context, story model.Story) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrored = append(m.mirrored, story)
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mirrored)
}

func TestRunMirrorsEveryArrival(t *testing.T) {
	c := newTestCoordinator()
	mirror := &fakeMirror{}
	c.SetMirror(mirror)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Ingress() <- Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}}
	c.Ingress() <- WorkerIdle{WorkerID: "w1"}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && mirror.count() < 1 {
		time.Sleep(time.Millisecond)
	}
	if mirror.count() != 1 {
		t.Fatalf("want exactly 1 mirrored arrival, got %d", mirror.count())
	}
}

func TestRunWithNoMirrorConfiguredIsANoop(t *testing.T) {
	c := newTestCoordinator()
	assignCh := c.RegisterWorker("w1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Ingress() <- Arrival{Story: model.Story{URL: "https://a/1", Site: "a"}}

	select {
	case <-assignCh:
	case <-time.After(time.Second):
		t.Fatal("expected the arrival to still be processed without a mirror wired")
	}
}
