package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the burst of fs events editors emit on save
const watchDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// validated result to a callback. Invalid edits are logged and skipped;
// the previous config stays in effect.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	onReload func(*Config)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	stopped bool
}

// NewWatcher creates a config watcher. onReload is called with each
// successfully loaded config.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger,
		onReload: onReload,
	}
}

// Start begins watching the config file's directory. Watching the
// directory instead of the file survives rename-based atomic saves.
func (w *Watcher) Start() error {
	path := w.loader.GetConfigPath()
	if path == "" {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	go w.loop(fsw, filepath.Base(path))

	w.logger.Info().Str("path", path).Msg("Watching config for changes")
	return nil
}

// Path returns the config file path being watched
func (w *Watcher) Path() string {
	return w.loader.GetConfigPath()
}

// Stop ends watching
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, base string) {
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}

	w.logger.Info().Int("agents", len(cfg.Agents)).Msg("Config reloaded")
	w.onReload(cfg)
}
