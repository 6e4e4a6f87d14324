package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads configuration whenever one of paths changes and passes the
// fresh result to onChange. Parent directories are watched so files created
// after startup are picked up. Reload errors go to onError and the previous
// configuration stays in effect. Watch blocks until ctx is done.
func Watch(
	ctx context.Context,
	getenv func(string) string,
	paths []string,
	onChange func(*Config),
	onError func(error),
) error {
	if onChange == nil {
		return errors.New("onChange callback is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	targets := map[string]struct{}{}
	watchedDirs := map[string]struct{}{}
	for _, path := range paths {
		clean := filepath.Clean(path)
		targets[clean] = struct{}{}
		dir := filepath.Dir(clean)
		if _, ok := watchedDirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			// A missing directory cannot hold a config file yet.
			continue
		}
		watchedDirs[dir] = struct{}{}
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, relevant := targets[filepath.Clean(event.Name)]; !relevant {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := LoadFiles(getenv, paths...)
			if err != nil {
				onError(err)
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}
