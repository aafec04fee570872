package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentflow-io/agentflow/core"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the routing file when it changes on disk. A reload
// that fails to parse or validate is logged and discarded; subscribers
// only ever see configs that passed Validate.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   core.Logger
	stopChan chan struct{}
	doneChan chan struct{}

	mu      sync.RWMutex
	current *Config
	subs    []func(*Config)
}

// NewWatcher loads the file once and prepares the fsnotify watcher.
// The parent directory is watched rather than the file itself so that
// editors and config maps that replace the file by rename still fire.
func NewWatcher(path string, logger core.Logger) (*Watcher, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("routing: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("routing: watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:     path,
		watcher:  fsw,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		current:  cfg,
	}, nil
}

// Current returns the last config that passed validation.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers a callback invoked with each validated reload.
// Register subscribers before Start; callbacks run on the watch
// goroutine and should return quickly.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Start begins watching. Stop or cancel ctx to shut down.
func (w *Watcher) Start(ctx context.Context) {
	go w.watchLoop(ctx)
	w.logger.Info("Watching routing config", map[string]interface{}{
		"operation": "routing_watch",
		"path":      w.path,
	})
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopChan)
	<-w.doneChan
	w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneChan)

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Routing watcher error", map[string]interface{}{
				"operation": "routing_watch",
				"error":     err.Error(),
			})
		}
	}
}

// reload re-reads the file and, if valid, swaps it in and notifies
// subscribers. The previous config stays live on any failure.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Routing reload rejected, keeping previous config", map[string]interface{}{
			"operation": "routing_reload",
			"path":      w.path,
			"error":     err.Error(),
		})
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
	w.logger.Info("Routing config reloaded", map[string]interface{}{
		"operation":    "routing_reload",
		"tiers":        len(cfg.Tiers),
		"default_tier": cfg.DefaultTier,
	})
}
