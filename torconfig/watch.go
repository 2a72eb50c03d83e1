package torconfig

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/mmcloughlin/orconn/log"
	"github.com/pkg/errors"
)

// Watcher reloads a configuration file whenever it changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	reload  func(*Config)
	done    chan struct{}
	logger  log.Logger
}

// Watch starts watching the configuration file at path. Each successful
// reload is passed to reload, from the watcher's goroutine. Files that fail to
// parse are logged and otherwise ignored, leaving the previous configuration
// in effect.
func Watch(path string, reload func(*Config), l log.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "could not start file watcher")
	}

	// Watch the directory rather than the file, since editors commonly
	// replace files by renaming over them.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "could not watch config directory")
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		reload:  reload,
		done:    make(chan struct{}),
		logger:  log.ForComponent(l, "config_watcher").With("path", path),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				w.logger.With("op", e.Op.String()).Debug("ignoring fsnotify event")
				continue
			}
			w.load()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Err(w.logger, err, "fsnotify error")
		}
	}
}

func (w *Watcher) load() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn(w.logger, err, "could not reload config")
		return
	}
	w.logger.Info("config reloaded")
	w.reload(cfg)
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
