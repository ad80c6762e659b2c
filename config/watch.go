package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mchalk/rudder-core/logger"
	"github.com/mchalk/rudder-core/paths"
)

const debounceInterval = 500 * time.Millisecond

// ReloadCallback is invoked after a config or policy file change settles.
// The changed file's base name is passed ("config.json" or "policy.yaml").
type ReloadCallback func(fileName string)

// Watcher monitors the config directory and fires a callback when the config
// or policy file is written. Editors that replace files via rename are
// covered because the whole directory is watched.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	callback  ReloadCallback
}

// Watch starts watching the config directory for changes.
func Watch(callback ReloadCallback) (*Watcher, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return nil, err
	}
	return WatchDir(dir, callback)
}

// WatchDir starts watching an explicit directory for config changes.
func WatchDir(dir string, callback ReloadCallback) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		callback:  callback,
	}
	go w.watchLoop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.cancel)
	w.fsWatcher.Close()
}

// watchLoop processes fsnotify events with debouncing so a burst of writes
// from an editor triggers one reload.
func (w *Watcher) watchLoop() {
	log := logger.WithComponent("config")

	var timer *time.Timer
	var lastFile string

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			base := filepath.Base(event.Name)
			if !watchedFile(base) {
				continue
			}

			lastFile = base
			if timer != nil {
				timer.Stop()
			}
			name := lastFile
			timer = time.AfterFunc(debounceInterval, func() {
				log.Debug("config file changed, reloading", "file", name)
				if w.callback != nil {
					w.callback(name)
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

func watchedFile(base string) bool {
	return base == "config.json" || base == "policy.yaml"
}
