// Keeps db.meta in sync when store files change underneath the folder,
// e.g. after a version-control restore or an external writer.

package folderdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch blocks, refreshing collection metadata whenever a data file in the
// folder is created, modified, renamed, or removed, until ctx is done. New
// subdirectories are picked up as they appear (hierarchy mode).
func (d *DB) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	err = filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return nil
		}
		if path != d.dir && strings.HasPrefix(e.Name(), ".") {
			return fs.SkipDir
		}
		return w.Add(path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			d.handleEvent(w, event)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching folder", "dir", d.dir, "err", err)
		}
	}
}

func (d *DB) handleEvent(w *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.Add(event.Name); err != nil {
				slog.Warn("Failed to watch new directory", "dir", event.Name, "err", err)
			}
			return
		}
	}
	if !strings.HasSuffix(event.Name, DataSuffix) {
		return
	}
	name, ok := d.nameForPath(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if _, err := os.Stat(event.Name); errors.Is(err, fs.ErrNotExist) {
			if err := d.removeMeta(name); err != nil {
				slog.Warn("Failed to drop metadata for removed collection", "name", name, "err", err)
			}
			return
		}
		fallthrough
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		// External writers invalidate the linted flag like any other
		// structural mutation.
		if err := d.refreshMeta(name, false); err != nil {
			slog.Warn("Failed to refresh metadata", "name", name, "err", err)
		}
	}
}
