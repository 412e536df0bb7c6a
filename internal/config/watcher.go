package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the settings file whenever it changes and invokes onChange
// with the new config. Blocks until ctx is cancelled.
func Watch(ctx context.Context, log zerolog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace files on save,
	// invalidating a file-level watch.
	dir := filepath.Dir(SettingsPath())
	if err := w.Add(dir); err != nil {
		return err
	}

	target := filepath.Base(SettingsPath())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Reload()
			if err != nil {
				log.Warn().Err(err).Msg("Settings reload failed, keeping previous config")
				continue
			}
			log.Info().Msg("Settings reloaded")
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}
