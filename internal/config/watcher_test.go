package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/facerelay/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
animation:
  chunk_duration: 300ms
`
	// Same length as baseYAML so a rewrite can keep size and mtime.
	warnYAML = `
server:
  log_level: warn
animation:
  chunk_duration: 300ms
`
	pacedYAML = `
server:
  log_level: debug
animation:
  chunk_duration: 500ms
relay:
  audio_addr: 0.0.0.0:7000
`
	brokenYAML = `
server:
  log_level: bananas
`
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// recorder collects watcher callbacks.
type recorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	olds  []*config.Config
	news  []*config.Config
	ch    chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 8)} }

func (r *recorder) onChange(old, new *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	r.olds = append(r.olds, old)
	r.news = append(r.news, new)
	r.diffs = append(r.diffs, d)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no config change delivered")
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

// startWatcher runs a watcher on a fresh file holding content until the
// test ends.
func startWatcher(t *testing.T, content string, interval time.Duration) (*config.Watcher, string, *recorder) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facerelay.yaml")
	writeFile(t, path, content)
	rec := newRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(t.Context())
	}()
	t.Cleanup(func() { <-done })
	return w, path, rec
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "facerelay.yaml")
	writeFile(t, path, baseYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Animation.ChunkDuration != 300*time.Millisecond {
		t.Errorf("initial config: %+v", cfg)
	}

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for a missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, brokenYAML)
	if _, err := config.NewWatcher(bad, nil); err == nil {
		t.Error("expected error for an invalid file")
	}
}

func TestWatcher_PollDeliversDiff(t *testing.T) {
	t.Parallel()
	w, path, rec := startWatcher(t, baseYAML, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, pacedYAML)
	rec.wait(t)

	rec.mu.Lock()
	d, old, cur := rec.diffs[0], rec.olds[0], rec.news[0]
	rec.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("old/new log level: %q/%q", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff: %+v", d)
	}
	if !d.AnimationChanged || d.DialogueChanged {
		t.Errorf("section diff: %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "relay" {
		t.Errorf("restart required: %v", d.RestartRequired)
	}
	if w.Current() != cur {
		t.Error("Current must return the delivered config")
	}
}

func TestWatcher_RejectedEditKeepsConfig(t *testing.T) {
	t.Parallel()
	w, path, rec := startWatcher(t, baseYAML, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, brokenYAML)
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Fatalf("invalid edit delivered %d changes", n)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("current config replaced by an invalid edit")
	}

	// Fixing the file applies it against the last good config.
	writeFile(t, path, pacedYAML)
	rec.wait(t)
	rec.mu.Lock()
	old := rec.olds[0]
	rec.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo {
		t.Errorf("diff base: got log level %q, want info", old.Server.LogLevel)
	}
}

func TestWatcher_TouchIsIgnored(t *testing.T) {
	t.Parallel()
	_, path, rec := startWatcher(t, baseYAML, 20*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("touch delivered %d changes", n)
	}
}

func TestWatcher_ReloadReadsUnchangedStat(t *testing.T) {
	t.Parallel()
	w, path, rec := startWatcher(t, baseYAML, time.Hour)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, warnYAML)
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	w.Reload()
	rec.wait(t)
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("log level after reload: got %q, want warn", got)
	}
}

func TestWatcher_MissingFileKeepsConfig(t *testing.T) {
	t.Parallel()
	w, path, rec := startWatcher(t, baseYAML, 20*time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 || w.Current().Server.LogLevel != config.LogInfo {
		t.Fatal("a removed file must not change the config")
	}

	writeFile(t, path, pacedYAML)
	rec.wait(t)
}
