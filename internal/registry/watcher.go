// Package registry: watcher.go implements debounced hot reload of the
// identity directory. It normalizes noisy fsnotify events into a single
// rescan so identity capture (which writes several files per snapshot) does
// not trigger a reload storm.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 150 * time.Millisecond

// Watcher rescans the registry whenever identity files change on disk.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	onReload func()

	mu          sync.Mutex
	reloadTimer *time.Timer
}

// NewWatcher creates a watcher over the registry's directory. onReload is
// invoked after every completed rescan and may be nil.
func NewWatcher(registry *Registry, onReload func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fsWatcher.Add(registry.Dir()); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &Watcher{registry: registry, watcher: fsWatcher, onReload: onReload}, nil
}

// Start runs the event loop until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer func() {
			w.stopReloadTimer()
			_ = w.watcher.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !isIdentityFileEvent(event) {
					continue
				}
				w.scheduleReload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("registry watcher: %v", err)
			}
		}
	}()
}

// isIdentityFileEvent filters events down to identity file writes/removals.
func isIdentityFileEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := event.Name
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return identityFilePattern.MatchString(name)
}

// scheduleReload coalesces bursts of events into a single rescan.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		w.registry.Reload()
		log.Debugf("registry watcher: reloaded, %d valid identities", w.registry.Count())
		if w.onReload != nil {
			w.onReload()
		}
	})
}

func (w *Watcher) stopReloadTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
}
