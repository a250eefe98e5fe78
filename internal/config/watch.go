package config

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"milo/pkg/logx"
)

// Watch re-reads the config file on filesystem changes and calls onChange
// with each successfully validated new config. Invalid edits are logged
// and skipped, never committed. Watch blocks until ctx is done.
//
// The parent directory is watched (not the file itself) so atomic
// rename-into-place saves from editors are observed.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var lastHash [sha256.Size]byte
	if b, err := os.ReadFile(path); err == nil {
		lastHash = sha256.Sum256(b)
	}

	// Editors fire bursts of events per save; debounce before reloading.
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	kick := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				kick()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		case <-reload:
			b, err := os.ReadFile(path)
			if err != nil {
				log.Warn("config reload: read failed", logx.Err(err))
				continue
			}
			h := sha256.Sum256(b)
			if h == lastHash {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload rejected", logx.Err(err))
				continue
			}
			lastHash = h
			log.Info("config reloaded", logx.String("path", path))
			onChange(cfg)
		}
	}
}
