package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, threshold string) {
	t.Helper()
	content := "backend:\n  url: ws://localhost:9000/voice\ncapture:\n  threshold: " + threshold + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Push mtime forward so the poll sees a change even on coarse
	// filesystem timestamps.
	future := time.Now().Add(time.Duration(len(threshold)) * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeConfigFile(t, path, "0.0001")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Capture.Threshold; got != 0.0001 {
		t.Errorf("initial threshold = %g, want 0.0001", got)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewWatcher(path, nil); err == nil {
		t.Error("NewWatcher on missing file succeeded")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeConfigFile(t, path, "0.0001")

	var mu sync.Mutex
	var gotOld, gotNew *Config
	onChange := func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		gotOld, gotNew = old, new
	}

	w, err := NewWatcher(path, onChange, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "0.005")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotNew != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew == nil {
		t.Fatal("onChange never fired")
	}
	if gotOld.Capture.Threshold != 0.0001 {
		t.Errorf("old threshold = %g, want 0.0001", gotOld.Capture.Threshold)
	}
	if gotNew.Capture.Threshold != 0.005 {
		t.Errorf("new threshold = %g, want 0.005", gotNew.Capture.Threshold)
	}
	if got := w.Current().Capture.Threshold; got != 0.005 {
		t.Errorf("Current threshold = %g, want 0.005", got)
	}
}

func TestWatcher_KeepsPreviousOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeConfigFile(t, path, "0.0001")

	var mu sync.Mutex
	fired := false
	w, err := NewWatcher(path, func(_, _ *Config) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Corrupt the file. The watcher must keep serving the old config.
	if err := os.WriteFile(path, []byte("backend: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Error("onChange fired for an invalid config")
	}
	if got := w.Current().Capture.Threshold; got != 0.0001 {
		t.Errorf("Current threshold = %g, want previous 0.0001", got)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeConfigFile(t, path, "0.0001")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
