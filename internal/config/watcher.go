package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hands every valid change to a callback
// together with the [ConfigDiff] against the previous version. Polling works
// on bind mounts and network filesystems where change notifications do not.
//
// An invalid edit is reported once and otherwise ignored; the previous
// config stays current until the file becomes valid again.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)
	kick     chan struct{}

	mu       sync.Mutex
	current  *Config
	applied  fileState
	rejected fileState
	missing  bool
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, data, err := readState(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.applied = st
	return w, nil
}

// Current returns the config that was applied last.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file now, even if its
// modification time did not change. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx is done. It always returns nil so that it
// can run in an errgroup next to the servers.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(false)
		case <-w.kick:
			w.poll(true)
		}
	}
}

// poll applies the file if it changed. Unless forced, a file whose mtime and
// size match the applied or rejected version is not read at all.
func (w *Watcher) poll(force bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.mu.Lock()
		first := !w.missing
		w.missing = true
		w.mu.Unlock()
		if first {
			slog.Warn("config: watched file unavailable, keeping current config", "path", w.path, "err", err)
		}
		return
	}

	w.mu.Lock()
	w.missing = false
	unchanged := w.applied.same(info) || w.rejected.same(info)
	w.mu.Unlock()
	if unchanged && !force {
		return
	}

	st, data, err := readState(w.path)
	if err != nil {
		slog.Warn("config: cannot read watched file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.applied.sum {
		// Touched or rewritten with the same content.
		w.applied = st
		w.mu.Unlock()
		return
	}
	seen := st.sum == w.rejected.sum
	w.mu.Unlock()

	cfg, err := LoadBytes(data)
	if err != nil {
		w.mu.Lock()
		w.rejected = st
		w.mu.Unlock()
		if !seen {
			slog.Warn("config: edit rejected, keeping current config", "path", w.path, "err", err)
		}
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.applied = st
	w.rejected = fileState{}
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"dialogue_changed", d.DialogueChanged,
		"animation_changed", d.AnimationChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes take effect after a restart", "fields", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

func (s fileState) same(info os.FileInfo) bool {
	return !s.mtime.IsZero() && s.mtime.Equal(info.ModTime()) && s.size == info.Size()
}

func readState(path string) (fileState, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	return fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, data, nil
}
