package configwatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *recordingLogger) Warnw(string, ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns++
}
func (l *recordingLogger) Errorw(string, ...any) {}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warns
}

func TestWatcherWarnsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("initial"), 0o644); err != nil {
		t.Fatalf("write initial file: %v", err)
	}

	log := &recordingLogger{}
	w, err := New(path, log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	done := make(chan struct{})
	go w.Run(done)
	defer close(done)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("changed"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if log.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least one warning after config file write")
}

func TestWatcherIgnoresOtherFilesInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("initial"), 0o644); err != nil {
		t.Fatalf("write initial file: %v", err)
	}

	log := &recordingLogger{}
	w, err := New(path, log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	done := make(chan struct{})
	go w.Run(done)
	defer close(done)

	time.Sleep(50 * time.Millisecond)
	other := filepath.Join(dir, "unrelated.txt")
	if err := os.WriteFile(other, []byte("noise"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if log.count() != 0 {
		t.Fatalf("expected no warnings for unrelated file changes, got %d", log.count())
	}
}
