package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchDirFiresOnConfigWrite(t *testing.T) {
	dir := t.TempDir()

	changed := make(chan string, 4)
	w, err := WatchDir(dir, func(fileName string) {
		changed <- fileName
	})
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case name := <-changed:
		if name != "config.json" {
			t.Errorf("callback file = %q, want config.json", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatchDirIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	changed := make(chan string, 4)
	w, err := WatchDir(dir, func(fileName string) {
		changed <- fileName
	})
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case name := <-changed:
		t.Errorf("unexpected callback for %q", name)
	case <-time.After(debounceInterval * 2):
	}
}

func TestWatchDirDebouncesBurst(t *testing.T) {
	dir := t.TempDir()

	changed := make(chan string, 16)
	w, err := WatchDir(dir, func(fileName string) {
		changed <- fileName
	})
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "policy.yaml")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("pricing: {}\n"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case name := <-changed:
		if name != "policy.yaml" {
			t.Errorf("callback file = %q, want policy.yaml", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	// A settled burst should have collapsed into a single callback.
	select {
	case <-changed:
		t.Error("expected a single debounced callback, got a second one")
	case <-time.After(debounceInterval * 2):
	}
}
