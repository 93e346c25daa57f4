package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk.
// Events are debounced; editors often write in several bursts.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks []func(Config)
	debounce  time.Duration
	timer     *time.Timer
	running   bool
}

// NewWatcher creates a watcher for the configuration at path.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		logger:   logger.Named("config"),
		path:     path,
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: time.Second,
	}, nil
}

// Start begins watching. Each reload that parses and validates invokes
// the registered callbacks with the new configuration.
func (w *Watcher) Start(onChange func(Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	// Watch the directory too: renames and atomic replaces bypass the
	// file watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("directory watch failed", zap.String("dir", filepath.Dir(w.path)), zap.Error(err))
	}
	w.running = true
	go w.handleEvents()
	w.logger.Info("configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.watcher.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.running = false
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case event.Op&fsnotify.Write != 0:
				w.scheduleReload()
			case event.Op&fsnotify.Create != 0:
				w.watcher.Add(w.path)
				w.scheduleReload()
			case event.Op&fsnotify.Remove != 0:
				w.logger.Warn("configuration file removed", zap.String("path", w.path))
			case event.Op&fsnotify.Rename != 0:
				go func() {
					time.Sleep(100 * time.Millisecond)
					w.watcher.Add(w.path)
				}()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("configuration reload failed, keeping previous", zap.Error(err))
		return
	}
	w.mu.Lock()
	callbacks := append(([]func(Config))(nil), w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
