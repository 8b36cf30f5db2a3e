package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openchami/oauth2bridge/pkg/logging"
)

// DefaultDebounce coalesces the burst of events editors produce on save
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads settings with load whenever one of files changes, and
// publishes the result to store. It blocks until ctx is done.
//
// Directories are watched rather than the files themselves so that
// rename-based writes (editors, Kubernetes config maps) are seen.
func Watch(ctx context.Context, store *Store, load func() (*Settings, error), files ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	logger := logging.NewStructuredLogger("config-watch")
	wanted := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range files {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", f, err)
		}
		wanted[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	if len(wanted) == 0 {
		<-ctx.Done()
		return nil
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	// A failed reload leaves the current snapshot live.
	reload := func() {
		_ = logger.LogOperation("reload configuration", func() error {
			next, err := load()
			if err != nil {
				return err
			}
			return store.Update(next)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, _ := filepath.Abs(event.Name)
			if !wanted[abs] {
				continue
			}
			logger.WithField("file", event.Name).Debug("configuration file changed")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DefaultDebounce, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("file watcher error")
		}
	}
}
