package repository

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// DefaultDebounce is how long a folder must stay quiet before a change is
// reported.
const DefaultDebounce = 2 * time.Second

// Watcher reports changes below a repository folder. Bursts of file events
// are debounced into one change, and changes that arrive while the consumer
// is busy are coalesced, so a consumer never falls behind by more than one
// change.
type Watcher struct {
	base     string
	debounce time.Duration
	logger   zerolog.Logger
	fsw      *fsnotify.Watcher
	changes  chan struct{}
}

// NewWatcher watches targetFolder below repositoryRoot, including folders
// created later. A non-positive debounce uses DefaultDebounce.
func NewWatcher(repositoryRoot, targetFolder string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	base, err := resolveBase(repositoryRoot, targetFolder)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		base:     base,
		debounce: debounce,
		logger:   logger.With().Str("component", "repository-watcher").Logger(),
		fsw:      fsw,
		changes:  make(chan struct{}, 1),
	}
	if err := w.addTree(base); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Changes delivers one value per debounced change.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.logger.Info().Str("folder", w.base).Dur("debounce", w.debounce).Msg("Watching repository folder")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new folder")
					}
				}
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Repository changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
				// A change is already pending.
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// addTree watches dir and every non-hidden folder below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether a change to path can not affect a deployment:
// anything inside a hidden folder, hidden files other than sidecars, and
// editor scratch files.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.base, path)
	if err != nil || rel == "." {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, dir := range parts[:len(parts)-1] {
		if strings.HasPrefix(dir, ".") {
			return true
		}
	}

	name := parts[len(parts)-1]
	switch {
	case name == engine.SidecarFileName:
		return false
	case strings.HasPrefix(name, "."),
		strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".swp"),
		strings.HasSuffix(name, ".tmp"):
		return true
	}
	return false
}
