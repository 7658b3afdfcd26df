package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Decoder loads a Config from path. The host supplies this (JSON,
// YAML, whatever it already parses its own config with); this package
// only watches the file and calls back, grounded on
// services/policy-service's opaManager.Watch debounce loop.
type Decoder func(path string) (Config, error)

// Watch watches path's directory for changes to path itself, debounces
// a burst of events, decodes the file with decode, and applies the
// result's Backpressure and CircuitBreaker sections to target. It runs
// until ctx is cancelled. onReload, if non-nil, is called after every
// reload attempt (nil error on success).
func Watch(ctx context.Context, path string, decode Decoder, target Reloadable, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Base(path)

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	reload := func() {
		err := applyFile(path, decode, target)
		if onReload != nil {
			onReload(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == name {
				debounce.Reset(DefaultDebounce)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onReload != nil {
				onReload(werr)
			}
		case <-debounce.C:
			reload()
		}
	}
}

func applyFile(path string, decode Decoder, target Reloadable) error {
	cfg, err := decode(path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if err := target.SetBackpressureConfig(cfg.Backpressure); err != nil {
		return fmt.Errorf("apply backpressure config: %w", err)
	}
	target.Reconfigure(cfg.CircuitBreaker)
	return nil
}
