package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/config"
)

const watcherValidYAML = validProviders + `
server:
  log_level: info
`

const watcherUpdatedYAML = validProviders + `
server:
  log_level: debug
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func newWatcher(t *testing.T, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, time.Unix(1000, 0))
	w, err := config.NewWatcher(path, onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, nil)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level: want info, got %q", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML, time.Unix(1000, 0))
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("want error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		oldLevel config.LogLevel
		newLevel config.LogLevel
		calls    int
	)
	w, path := newWatcher(t, func(old, new *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		oldLevel, newLevel = old.Server.LogLevel, new.Server.LogLevel
		calls++
	})

	writeFile(t, path, watcherUpdatedYAML, time.Unix(2000, 0))
	changed, err := w.Check()
	if err != nil || !changed {
		t.Fatalf("want change detected, got %v, %v", changed, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || oldLevel != config.LogInfo || newLevel != config.LogDebug {
		t.Errorf("callback: calls=%d old=%q new=%q", calls, oldLevel, newLevel)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current should return the reloaded config")
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	calls := 0
	w, path := newWatcher(t, func(_, _ *config.Config) { calls++ })

	writeFile(t, path, watcherValidYAML, time.Unix(3000, 0))
	changed, err := w.Check()
	if err != nil || changed {
		t.Fatalf("want no change for identical content, got %v, %v", changed, err)
	}
	if calls != 0 {
		t.Errorf("callback must not run, ran %d times", calls)
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, nil)

	writeFile(t, path, watcherInvalidYAML, time.Unix(4000, 0))
	if _, err := w.Check(); err == nil {
		t.Fatal("want error for invalid edit")
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("previous config must stay current")
	}
}
