package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the settings: section of the configuration file when the
// file changes on disk and hands it to onChange as one batch.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(ctx context.Context, items map[string]any)
	debounce time.Duration

	mu       sync.Mutex
	lastHash uint64
	timer    *time.Timer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a watcher for path. initial is the section already
// applied at startup; an unchanged reload is not reported.
func NewWatcher(logger *zap.Logger, path string, initial map[string]any, onChange func(ctx context.Context, items map[string]any)) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger.With(zap.String("path", path)),
		onChange: onChange,
		debounce: defaultDebounce,
		lastHash: hashSettings(initial),
	}
}

// Start begins watching. The file's directory is watched so that editors
// replacing the file by rename are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(w.path), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(runCtx, fw, done)
	w.logger.Info("Watching configuration file")
	return nil
}

// Stop ends the watch and waits for the loop to exit
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer fw.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// schedule debounces bursts of events from partial writes
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	fc, err := readFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed", zap.Error(err))
		return
	}

	h := hashSettings(fc.Settings)
	w.mu.Lock()
	unchanged := h == w.lastHash
	w.lastHash = h
	w.mu.Unlock()
	if unchanged || len(fc.Settings) == 0 {
		return
	}

	w.logger.Info("Settings changed on disk", zap.Int("keys", len(fc.Settings)))
	w.onChange(ctx, fc.Settings)
}

func hashSettings(items map[string]any) uint64 {
	if len(items) == 0 {
		return 0
	}
	// json.Marshal sorts map keys, so equal sections hash equally
	b, err := json.Marshal(items)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
