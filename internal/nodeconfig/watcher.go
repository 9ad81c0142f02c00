package nodeconfig

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reacts to updates of a node directory: a replaced config.json
// triggers a reparse, a replaced node.json a service restart since the
// option schema itself changed.
type Watcher struct {
	config  *Config
	restart RestartFunc
	log     *zap.SugaredLogger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching config's node directory until Close.
func Watch(config *Config, restart RestartFunc, log *zap.SugaredLogger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if restart == nil {
		restart = func(string) {}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(config.Path()); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		config:  config,
		restart: restart,
		log:     log,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Updates arrive as atomic renames into place, but direct
			// writes are handled as well.
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			w.handle(filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("config watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(name string) {
	switch name {
	case "config.json":
		w.log.Debugw("config.json updated")
		if err := w.config.Reparse(); err != nil {
			w.log.Errorw("cannot reparse updated config", "error", err)
		}
	case "node.json":
		w.restart("node.json updated")
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
