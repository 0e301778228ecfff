package presets

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called after the preset file was reloaded successfully.
type UpdateCallback func(Presets)

// Watcher keeps presets in sync with a YAML file on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	callback UpdateCallback

	mu      sync.RWMutex
	current Presets

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher loads path and starts watching it. The directory is watched
// rather than the file so that editors which replace the file on save are
// still picked up.
func NewWatcher(path string, callback UpdateCallback) (*Watcher, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:      path,
		debounce:  debounceInterval,
		callback:  callback,
		current:   p,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	go w.watchLoop()

	return w, nil
}

// Current returns the presets currently in effect.
func (w *Watcher) Current() Presets {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Path returns the watched preset file.
func (w *Watcher) Path() string {
	return w.path
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.done)

	var timer *time.Timer
	name := filepath.Clean(w.path)

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("presets watcher error for %s: %v", w.path, err)
		}
	}
}

// reload re-reads the file and notifies if the presets changed. Invalid
// files are logged and the previous presets stay in effect.
func (w *Watcher) reload() {
	p, err := read(w.path)
	if err != nil {
		log.Printf("presets: keeping previous values: %v", err)
		return
	}

	w.mu.Lock()
	changed := p != w.current
	w.current = p
	w.mu.Unlock()

	if changed {
		log.Printf("presets reloaded from %s", w.path)
		if w.callback != nil {
			w.callback(p)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.cancel)
		w.fsWatcher.Close()
		<-w.done
	})
}
