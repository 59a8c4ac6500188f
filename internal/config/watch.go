package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "hostbot/pkg/logx"
)

// DebounceDelay coalesces the burst of events one editor save produces.
var DebounceDelay = 250 * time.Millisecond

// ErrWatcherClosed is returned by Watch when fsnotify closes its channels.
var ErrWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so atomic rename-over saves are seen. It
// returns an error when the watcher breaks; callers restart it.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	m.mu.RLock()
	log := m.log
	m.mu.RUnlock()
	log = log.With(logx.String("path", m.path))
	log.Debug("config watch started")

	// a nil channel blocks, so no reload is pending until the first event
	var fire <-chan time.Time
	timer := time.NewTimer(DebounceDelay)
	timer.Stop()
	defer timer.Stop()
	arm := func() {
		timer.Reset(DebounceDelay)
		fire = timer.C
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&relevant != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; reloading")
				arm()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		case <-fire:
			fire = nil
			switch changed, err := m.Reload(ctx); {
			case err != nil:
				log.Warn("config reload failed", logx.Err(err))
			case changed:
				log.Info("config reloaded")
			default:
				log.Debug("config unchanged")
			}
		}
	}
}
