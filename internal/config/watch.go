package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a Config from its backing YAML file whenever that file
// changes on disk, and hands the fresh value to every registered callback.
// The whole file is re-read, storagePath included; which fields take effect
// live is up to the callbacks.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	fsw      *fsnotify.Watcher
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	done     chan struct{}
}

// NewWatcher starts watching yamlPath for changes, given the already-loaded
// initial configuration. If yamlPath is empty, the returned Watcher never
// fires and Current always returns the initial value.
func NewWatcher(yamlPath string, initial *Config, logger *logrus.Logger) (*Watcher, error) {
	w := &Watcher{
		path:    yamlPath,
		logger:  logger,
		current: initial,
		done:    make(chan struct{}),
	}
	if yamlPath == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(yamlPath); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw

	go w.run()
	return w, nil
}

// OnChange registers a callback invoked with the reloaded configuration
// after every successful reload. Callbacks run on the watcher's goroutine.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	// Editors commonly rewrite a file via rename-into-place, which fires
	// multiple rapid events; debounce before reloading.
	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.WithError(err).WithField("path", w.path).Warn("config reload failed, keeping previous value")
			return
		}
		w.mu.Lock()
		w.current = cfg
		callbacks := append([]func(*Config){}, w.onChange...)
		w.mu.Unlock()

		w.logger.WithField("path", w.path).Info("config reloaded")
		for _, fn := range callbacks {
			fn(cfg)
		}
	}

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")
		case <-w.done:
			return
		}
	}
}
