package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce collapses the burst of events an editor save makes.
const DefaultReloadDebounce = time.Second

// ReloadRecorder counts reloads by status ("success" or "error").
type ReloadRecorder interface {
	RecordConfigReload(status string)
}

// Watcher reloads a configuration file when it changes and hands the
// validated result to a callback. Invalid files are logged and skipped; the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	apply    func(*Config) error
	logger   *slog.Logger
	recorder ReloadRecorder
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithReloadDebounce sets the debounce window.
func WithReloadDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadRecorder counts reloads.
func WithReloadRecorder(r ReloadRecorder) WatcherOption {
	return func(w *Watcher) { w.recorder = r }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher creates a watcher for path. apply is called with every
// successfully loaded configuration.
func NewWatcher(path string, apply func(*Config) error, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		watcher:  fw,
		apply:    apply,
		logger:   slog.Default(),
		debounce: DefaultReloadDebounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The file's directory is watched because editors
// often replace files by renaming a temporary one over them.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	w.logger.Info("Config watcher started", "config_path", w.path)
	go w.loop(ctx)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			w.logger.Debug("Config file event detected", "event", event.Op.String(), "file", event.Name)
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Config watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.path
}

func (w *Watcher) reload() {
	start := time.Now()
	cfg, err := Load(w.path)
	if err == nil {
		err = w.apply(cfg)
	}
	if err != nil {
		w.logger.Error("Config reload failed", "config_path", w.path, "error", err, "duration", time.Since(start))
		w.record("error")
		return
	}
	w.logger.Info("Config reload completed successfully", "config_path", w.path, "duration", time.Since(start))
	w.record("success")
}

func (w *Watcher) record(status string) {
	if w.recorder != nil {
		w.recorder.RecordConfigReload(status)
	}
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
