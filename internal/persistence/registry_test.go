package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/storywatch/internal/model"
)

func TestBuildActiveSetStoreEmptyDSN(t *testing.T) {
	store, err := BuildActiveSetStore("")
	if err != nil || store != nil {
		t.Fatalf("want nil,nil for empty dsn, got %v,%v", store, err)
	}
}

func TestBuildActiveSetStoreMemoryScheme(t *testing.T) {
	store, err := BuildActiveSetStore("memory://")
	if err != nil {
		t.Fatalf("BuildActiveSetStore: %v", err)
	}
	if _, ok := store.(*MemoryActiveSetStore); !ok {
		t.Fatalf("want *MemoryActiveSetStore, got %T", store)
	}
}

func TestBuildActiveSetStoreFileScheme(t *testing.T) {
	dir := t.TempDir()
	dsn := "file://" + filepath.Join(dir, "active.json")
	store, err := BuildActiveSetStore(dsn)
	if err != nil {
		t.Fatalf("BuildActiveSetStore: %v", err)
	}
	if _, ok := store.(*FileActiveSetStore); !ok {
		t.Fatalf("want *FileActiveSetStore, got %T", store)
	}
}

func TestBuildActiveSetStoreUnsupportedScheme(t *testing.T) {
	_, err := BuildActiveSetStore("carrier-pigeon://nowhere")
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestBuildDelayStoreNotImplementedScheme(t *testing.T) {
	_, err := BuildDelayStore("redis://localhost")
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("want ErrNotImplemented, got %v", err)
	}
}

func TestMemoryActiveSetStoreRoundTrip(t *testing.T) {
	store := NewMemoryActiveSetStore()
	id := model.Identity{URL: "https://x/1", Site: "x"}
	if err := store.Insert(id); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	snap, err := store.Snapshot()
	if err != nil || len(snap) != 1 || snap[0] != id {
		t.Fatalf("Snapshot = %v, %v", snap, err)
	}
	if err := store.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	snap, _ = store.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot after remove, got %v", snap)
	}
}

func TestFileActiveSetStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileActiveSetStore(filepath.Join(dir, "active.json"))
	id := model.Identity{URL: "https://x/1", Site: "x", LibraryID: "42"}

	if err := store.Insert(id); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(id); err != nil { // duplicate insert must not duplicate the entry
		t.Fatalf("Insert (dup): %v", err)
	}
	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0] != id {
		t.Fatalf("want [%v], got %v", id, snap)
	}

	if err := store.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	snap, _ = store.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("want empty after remove, got %v", snap)
	}
}

func TestFileActiveSetStoreSurvivesReconstruction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active.json")
	id := model.Identity{URL: "https://x/1", Site: "x"}

	if err := NewFileActiveSetStore(path).Insert(id); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	snap, err := NewFileActiveSetStore(path).Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0] != id {
		t.Fatalf("want persisted entry to survive reconstruction, got %v", snap)
	}
}

func TestMemoryDelayStoreRoundTrip(t *testing.T) {
	store := NewMemoryDelayStore()
	story := model.Story{URL: "https://x/1", Site: "x"}
	id := story.Identity()
	fireAt := time.Now().Add(time.Hour)

	if err := store.Insert(id, story, fireAt); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	snap, err := store.Snapshot()
	if err != nil || len(snap) != 1 || snap[0].Story.URL != story.URL {
		t.Fatalf("Snapshot = %v, %v", snap, err)
	}
	if err := store.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	snap, _ = store.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot after remove, got %v", snap)
	}
}

func TestFileDelayStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileDelayStore(filepath.Join(dir, "delay.json"))
	story := model.Story{URL: "https://x/1", Site: "x", Attempts: 3}
	id := story.Identity()
	fireAt := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	if err := store.Insert(id, story, fireAt); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].Story.Attempts != 3 || !snap[0].FireAt.Equal(fireAt) {
		t.Fatalf("want matching persisted entry, got %v", snap)
	}
}
