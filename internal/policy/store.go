package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FileStore serves the policy snapshot loaded from a YAML file and can
// reload it when the file changes.
type FileStore struct {
	path     string
	current  atomic.Pointer[Set]
	debounce time.Duration
}

// NewFileStore loads path. An empty path yields a store with no policies.
func NewFileStore(ctx context.Context, path string) (*FileStore, error) {
	fs := &FileStore{path: path, debounce: 500 * time.Millisecond}
	if path == "" {
		set, err := Parse(ctx, nil)
		if err != nil {
			return nil, err
		}
		fs.current.Store(set)
		return fs, nil
	}
	if err := fs.Reload(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}

// Snapshot returns the current policy set.
func (f *FileStore) Snapshot() *Set {
	return f.current.Load()
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (f *FileStore) Reload(ctx context.Context) error {
	set, err := LoadFile(ctx, f.path)
	if err != nil {
		return err
	}
	f.current.Store(set)
	log.Info().
		Str("path", f.path).
		Str("version", set.Version).
		Int("trusted_data_policies", len(set.TrustedData)).
		Int("tool_invocation_policies", len(set.ToolInvocation)).
		Msg("policy_loaded")
	return nil
}

// Watch reloads the file after it is written, debouncing bursts of events.
// The parent directory is watched so editors that replace the file by
// rename are picked up. Blocks until ctx is cancelled.
func (f *FileStore) Watch(ctx context.Context) error {
	if f.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(f.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %q: %w", f.path, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(f.debounce, func() {
				if err := f.Reload(ctx); err != nil {
					log.Error().Err(err).Str("path", f.path).Msg("policy_reload_failed")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", f.path).Msg("policy_watcher_error")
		}
	}
}
