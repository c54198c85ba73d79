// Package watch triggers incremental rebuilds when corpus files change on
// disk. Filesystem events arrive in bursts (editors write temp files, saves
// touch several paths), so events are merged over a quiet period before one
// rebuild runs.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tei-tools/bitext-search/internal/index"
	apperrors "github.com/tei-tools/bitext-search/pkg/errors"
	"github.com/tei-tools/bitext-search/pkg/logger"
	"github.com/tei-tools/bitext-search/pkg/metrics"
)

// Rebuild runs one incremental build. It is called at most once per merged
// event burst, never concurrently with itself.
type Rebuild func(ctx context.Context) error

// Watcher observes both side directories of a corpus and debounces change
// events into rebuild calls.
type Watcher struct {
	corpus  index.Corpus
	delay   time.Duration
	rebuild Rebuild
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a Watcher. met may be nil.
func New(corpus index.Corpus, mergeEventsDelay time.Duration, rebuild Rebuild, met *metrics.Metrics) *Watcher {
	if mergeEventsDelay <= 0 {
		mergeEventsDelay = 2 * time.Second
	}
	return &Watcher{
		corpus:  corpus,
		delay:   mergeEventsDelay,
		rebuild: rebuild,
		metrics: met,
		log:     logger.WithComponent("corpus-watcher"),
	}
}

// Run watches until ctx is canceled. Newly created subdirectories are added
// to the watch set as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	watched := 0
	for _, side := range []index.Side{index.SideOriginal, index.SideTranslated} {
		n, err := addRecursive(fsw, w.corpus.SideDir(side))
		if err != nil {
			w.log.Warn("side directory not watchable", "dir", w.corpus.SideDir(side), "error", err)
			continue
		}
		watched += n
	}
	if watched == 0 {
		return apperrors.ErrCorpusMissing
	}
	w.log.Info("watching corpus", "directories", watched, "merge_delay", w.delay)

	timer := time.NewTimer(w.delay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.metrics != nil {
				w.metrics.WatcherEventsTotal.Inc()
			}
			if event.Op.Has(fsnotify.Create) {
				// New subdirectories join the watch set; plain files are a no-op.
				addRecursive(fsw, event.Name)
			}
			if !relevant(event) {
				continue
			}
			w.log.Debug("corpus event", "op", event.Op.String(), "path", event.Name)
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer.Reset(w.delay)
			pending = true
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-timer.C:
			pending = false
			w.log.Info("corpus changed, rebuilding index")
			if err := w.rebuild(ctx); err != nil {
				switch {
				case errors.Is(err, context.Canceled):
					return err
				case errors.Is(err, apperrors.ErrBuildInProgress):
					// The in-flight build will pick up a stale generation at
					// worst; the next event burst triggers again.
					w.log.Debug("rebuild skipped, build already running")
				default:
					w.log.Error("rebuild failed", "error", err)
				}
			}
		}
	}
}

// relevant filters events down to the document files the index cares about.
func relevant(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), ".xml") {
		return false
	}
	return event.Op.Has(fsnotify.Create) ||
		event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) ||
		event.Op.Has(fsnotify.Rename)
}

// addRecursive watches root and every subdirectory beneath it, returning how
// many directories were added.
func addRecursive(fsw *fsnotify.Watcher, root string) (int, error) {
	added := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return nil
		}
		added++
		return nil
	})
	return added, err
}
