package modules

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchAndReload watches directory for plugin file changes and invokes
// onChange (typically the engine's reload hook) after a create, write, or
// remove event on a *.so file. It blocks until ctx is cancelled.
//
// A missing directory is tolerated at watch-setup time the same way Load
// tolerates it: fsnotify.Add fails, which is logged and treated as "nothing
// to watch" rather than fatal, since the directory may be created later by
// deployment tooling.
func WatchAndReload(ctx context.Context, directory string, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := ValidateModulePath(directory)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(root); err != nil {
		logger.Warn("module directory not watchable, hot reload disabled", "dir", root, "error", err)
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != pluginExtension {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
				continue
			}
			logger.Info("module directory changed, reloading", "file", event.Name, "op", event.Op.String())
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("module watcher error", "error", err)
		}
	}
}
