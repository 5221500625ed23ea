package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands the new snapshot to a
// callback. Only non-structural settings (media preferences, timeouts) should
// be picked up live; callers decide what to apply.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)
	closed  chan struct{}
}

// Watch starts watching path. onLoad is invoked with each successfully
// loaded config; load/validation errors are logged and the previous snapshot
// stays in effect.
func Watch(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save,
	// which drops a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		onLoad:  onLoad,
		closed:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.closed:
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload of %s failed: %v", w.path, err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.watcher.Close()
}
