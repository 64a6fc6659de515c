package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the event bursts editors and atomic saves produce,
// so one save triggers one reload.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes on disk and applies the
// new log level to the shared level var. Only the level is hot; bus
// addresses and agent wiring stay start-time only.
type Watcher struct {
	path  string
	level *slog.LevelVar
	fsw   *fsnotify.Watcher
	stop  chan struct{}
	done  chan struct{}
}

// WatchLevel starts watching the config file at path, driving level on each
// successful reload.
func WatchLevel(path string, level *slog.LevelVar) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:  path,
		level: level,
		fsw:   fsw,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()

	slog.Info("config watcher started", "path", path)
	return w, nil
}

// Stop halts the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
	<-w.done
	slog.Info("config watcher stopped")
}

// loop collapses change bursts into one reload per debounce window. Each
// write or create restarts the window; the reload runs when it lapses.
func (w *Watcher) loop() {
	defer close(w.done)

	var reload <-chan time.Time
	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reload = time.After(reloadDebounce)

		case <-reload:
			reload = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	w.level.Set(ParseLevel(cfg.LogLevel))
	slog.Info("config reloaded", "log_level", cfg.LogLevel)
}
