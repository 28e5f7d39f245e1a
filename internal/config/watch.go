package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/koalax/agent/internal/logging"
)

// Watch calls onChange once when the file at path is written, replaced or
// removed, then stops watching. The directory is watched rather than the file
// so editors that save by rename are detected.
func Watch(ctx context.Context, path string, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					logging.Info("Config file changed", map[string]interface{}{"path": abs, "op": event.Op.String()})
					onChange()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warn("Error watching config file", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}
