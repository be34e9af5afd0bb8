package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// Watcher re-reads the config file when it changes and applies the log
// level to the global zerolog level. Other settings need a restart.
type Watcher struct {
	path     string
	changed  map[string]bool
	log      zerolog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. changed lists flags set on the
// command line; a log level given as a flag is never overridden.
func NewWatcher(path string, changed map[string]bool, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		changed:  changed,
		log:      logger.With().Str("component", "config").Logger(),
		debounce: DefaultDebounce,
	}
}

// Run watches the file's directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	w.log.Debug().Str("path", w.path).Msg("watching config file")

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if w.changed["log-level"] {
		return
	}
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("reload config")
		return
	}
	if fc.LogLevel == "" {
		return
	}
	level, err := ParseLevel(fc.LogLevel)
	if err != nil {
		w.log.Warn().Err(err).Msg("reload config")
		return
	}
	if zerolog.GlobalLevel() != level {
		zerolog.SetGlobalLevel(level)
		w.log.Info().Stringer("level", level).Msg("log level changed")
	}
}
