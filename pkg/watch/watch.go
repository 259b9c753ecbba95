// Package watch submits and applies a configuration document whenever the
// file holding it changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Target receives documents read from the watched file
type Target interface {
	Submit(doc *types.Document) (*types.ConfigVersion, error)
	Apply(v types.Version) error
}

// Watcher follows one document file
type Watcher struct {
	path     string
	debounce time.Duration
	target   Target
	logger   zerolog.Logger

	// digest of the last document handed to the target
	last string
}

// New creates a watcher for path. Bursts of writes within debounce are
// handled once.
func New(path string, debounce time.Duration, target Target) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		target:   target,
		logger:   log.WithComponent("watcher"),
	}
}

// Run loads the file once and then on every change until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	// Editors replace files by rename, so the directory is watched
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	metrics.UpdateComponent(metrics.ComponentWatcher, true, "watching "+w.path)
	defer metrics.UpdateComponent(metrics.ComponentWatcher, false, "stopped")
	w.logger.Info().Str("file", w.path).Msg("Watching configuration file")

	w.reload()

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(w.debounce)

		case <-debounce.C:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		}
	}
}

// reload submits and applies the file when its document changed
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Debug().Str("file", w.path).Msg("Configuration file does not exist yet")
			return
		}
		w.logger.Warn().Err(err).Str("file", w.path).Msg("Failed to read configuration file")
		return
	}

	doc, err := document.Parse(data)
	if err != nil {
		w.logger.Warn().Err(err).Str("file", w.path).Msg("Ignoring unparseable configuration file")
		return
	}
	digest := document.Digest(doc)
	if digest == w.last {
		w.logger.Debug().Str("digest", digest).Msg("Configuration unchanged")
		return
	}

	cv, err := w.target.Submit(doc)
	if err != nil {
		w.logger.Warn().Err(err).Str("file", w.path).Msg("Configuration file rejected")
		w.last = digest
		return
	}
	w.last = digest

	if err := w.target.Apply(cv.Version); err != nil {
		w.logger.Error().Err(err).Uint64("version", uint64(cv.Version)).Msg("Failed to apply watched configuration")
		return
	}
	w.logger.Info().Uint64("version", uint64(cv.Version)).Msg("Applied configuration from file")
}
