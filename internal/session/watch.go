package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events a single save produces.
const DefaultDebounce = 100 * time.Millisecond

// Watch reloads the credentials file whenever it changes and applies the
// result. The parent directory is watched so editors that replace the file
// by rename are handled. Watch blocks until ctx is done.
func (s *Session) Watch(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve credentials path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s.logger.Info("watching credentials", "path", abs)

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			s.reload(abs)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credentials watcher error", "error", err)
		}
	}
}

func (s *Session) reload(path string) {
	creds, generated, err := LoadCredentials(path)
	if err != nil {
		s.logger.Warn("failed to reload credentials", "error", err)
		return
	}
	if generated {
		// Keep the device stable across restarts.
		if err := SaveDeviceID(path, creds.DeviceID); err != nil {
			s.logger.Warn("failed to persist device id", "error", err)
		}
	}

	changed, err := s.Apply(creds)
	if err != nil {
		s.logger.Warn("failed to apply credentials", "error", err)
		return
	}
	if changed {
		s.logger.Info("credentials reloaded")
	}
}
