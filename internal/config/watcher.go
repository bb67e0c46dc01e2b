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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 2 * time.Second

// Watcher keeps the config file and the running service in step. It polls
// the file, and on request re-reads it immediately; each edit that parses and
// validates is handed to the apply callback as a [ConfigDiff] against the
// previous config. Edits that fail validation are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(ConfigDiff)
	reload   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

// fileStamp is the cheap part of change detection.
type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher for it. The file must be valid
// now. Watching starts with [Watcher.Run].
func NewWatcher(path string, apply func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file now, whatever its
// timestamp says. Requests made while one is pending are merged.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run watches until ctx is done or [Watcher.Stop] is called. It returns nil,
// so it can run under an errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
			w.poll(false)
		case <-w.reload:
			w.poll(true)
		}
	}
}

// Stop ends Run. It may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll(force bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	seen := fileStamp{info.ModTime(), info.Size()}
	w.mu.Lock()
	unchanged := w.stamp == seen
	w.mu.Unlock()
	if unchanged && !force {
		return
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		// Remember the stamp so a rejected edit is reported once.
		w.mu.Lock()
		w.stamp = seen
		w.mu.Unlock()
		slog.Warn("config watcher: edit rejected, previous config stays", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"vad_changed", d.VADChanged,
		"restart_required", d.RestartRequired,
	)
	if w.apply != nil {
		w.apply(d)
	}
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	return cfg, fileStamp{info.ModTime(), info.Size()}, sha256.Sum256(data), nil
}
