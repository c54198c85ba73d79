package index

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tei-tools/bitext-search/internal/bloom"
	"github.com/tei-tools/bitext-search/internal/normalize"
	apperrors "github.com/tei-tools/bitext-search/pkg/errors"
)

// Progress reports incremental build or search progress. done only increases;
// callbacks may arrive from any worker.
type Progress func(done, total int, phase string)

// Build phases reported through Progress.
const (
	PhaseScan    = "scan"
	PhaseIndex   = "index"
	PhasePublish = "publish"
)

// BuildOptions controls one BuildOrUpdate run.
type BuildOptions struct {
	// Force recomputes every filter even when the prior generation's
	// fingerprints still match.
	Force    bool
	Progress Progress
}

// BuildOrUpdate produces a complete new index generation for the corpus,
// reusing unchanged filter blocks from the previous generation unless forced.
// Concurrent identical triggers coalesce into one run; a second distinct
// build while one is in flight fails with ErrBuildInProgress. A crash or
// cancellation mid-build leaves the previously published generation intact.
func (s *Store) BuildOrUpdate(ctx context.Context, opts BuildOptions) error {
	key := "incremental"
	if opts.Force {
		key = "full"
	}
	_, err, _ := s.buildGroup.Do(key, func() (any, error) {
		select {
		case s.buildGate <- struct{}{}:
		default:
			return nil, apperrors.ErrBuildInProgress
		}
		defer func() { <-s.buildGate }()
		return nil, s.build(ctx, opts)
	})
	return err
}

type sideState struct {
	present bool
	ticks   int64
	length  int64
}

type scannedDoc struct {
	relPath string
	sides   [2]sideState
}

func (s *Store) build(ctx context.Context, opts BuildOptions) error {
	start := time.Now()
	report := opts.Progress
	if report == nil {
		report = func(int, int, string) {}
	}
	outcome := "failed"
	defer func() {
		if s.metrics != nil {
			s.metrics.BuildsTotal.WithLabelValues(outcome).Inc()
			s.metrics.BuildDuration.Observe(time.Since(start).Seconds())
		}
	}()

	report(0, 0, PhaseScan)
	docs, total, err := s.scanCorpus()
	if err != nil {
		return apperrors.NewBuildError(PhaseScan, err)
	}

	// Prior generation, for block reuse. Anything wrong with it simply means
	// every document is recomputed.
	prev := map[string]Entry{}
	var oldBlob *os.File
	if !opts.Force {
		if snap := s.cache.Snapshot(); snap.Valid() {
			oldBlob = snap.Blob
			for _, e := range snap.Manifest.Entries {
				prev[EntryKey(e.RelPath, e.Side)] = e
			}
		}
	}
	if oldBlob != nil {
		defer oldBlob.Close()
	}

	tmpBlobPath := s.corpus.BlobPath() + ".tmp"
	blobFile, err := os.Create(tmpBlobPath)
	if err != nil {
		return apperrors.NewBuildError(PhaseIndex, fmt.Errorf("creating temp blob: %w", err))
	}
	discard := func() {
		blobFile.Close()
		os.Remove(tmpBlobPath)
	}

	w := bufio.NewWriterSize(blobFile, 1<<20)
	man := NewManifest(s.corpus.Root)
	progressInterval := s.cfg.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = 25
	}

	var offset int64
	var done, reused, computed int
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			discard()
			outcome = "canceled"
			return err
		}
		for side := SideOriginal; side <= SideTranslated; side++ {
			state := doc.sides[side]
			if !state.present {
				continue
			}
			block, fromPrev := s.reusableBlock(prev, oldBlob, doc.relPath, side, state, opts.Force)
			if fromPrev {
				reused++
			} else {
				text, err := normalize.FileText(s.corpus.SidePath(side, doc.relPath))
				if err != nil {
					// Present but unreadable: indexed as empty rather than
					// aborting the whole build.
					s.log.Warn("document unreadable, indexing as empty",
						"rel_path", doc.relPath, "side", side.String(), "error", err)
					text = ""
				}
				block = bloom.BuildFromText(text).AppendBytes(make([]byte, 0, bloom.FilterBytes))
				computed++
			}
			if _, err := w.Write(block); err != nil {
				discard()
				return apperrors.NewBuildError(PhaseIndex, fmt.Errorf("writing blob: %w", err))
			}
			man.Entries = append(man.Entries, Entry{
				ID:                len(man.Entries),
				RelPath:           doc.relPath,
				Side:              side,
				LastWriteUTCTicks: state.ticks,
				LengthBytes:       state.length,
				BloomOffset:       offset,
			})
			offset += bloom.FilterBytes
			done++
			if done%progressInterval == 0 {
				report(done, total, PhaseIndex)
			}
		}
	}
	report(done, total, PhaseIndex)

	if err := w.Flush(); err != nil {
		discard()
		return apperrors.NewBuildError(PhaseIndex, fmt.Errorf("flushing blob: %w", err))
	}
	if err := blobFile.Sync(); err != nil {
		discard()
		return apperrors.NewBuildError(PhaseIndex, fmt.Errorf("syncing blob: %w", err))
	}
	if err := blobFile.Close(); err != nil {
		os.Remove(tmpBlobPath)
		return apperrors.NewBuildError(PhaseIndex, fmt.Errorf("closing blob: %w", err))
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmpBlobPath)
		outcome = "canceled"
		return err
	}

	report(done, total, PhasePublish)
	if err := s.publish(ctx, man, tmpBlobPath); err != nil {
		os.Remove(tmpBlobPath)
		return apperrors.NewBuildError(PhasePublish, err)
	}

	if s.metrics != nil {
		s.metrics.DocsIndexedTotal.Add(float64(computed))
		s.metrics.BlocksReusedTotal.Add(float64(reused))
	}
	outcome = "ok"
	s.log.Info("index generation published",
		"entries", len(man.Entries),
		"recomputed", computed,
		"reused", reused,
		"elapsed", time.Since(start),
	)
	return nil
}

// reusableBlock byte-copies the previous generation's block when the stored
// change fingerprint (mtime ticks + byte length) still matches exactly.
func (s *Store) reusableBlock(prev map[string]Entry, oldBlob *os.File, relPath string, side Side, state sideState, force bool) ([]byte, bool) {
	if force || oldBlob == nil {
		return nil, false
	}
	e, ok := prev[EntryKey(relPath, side)]
	if !ok || e.LastWriteUTCTicks != state.ticks || e.LengthBytes != state.length {
		return nil, false
	}
	block := make([]byte, bloom.FilterBytes)
	if _, err := oldBlob.ReadAt(block, e.BloomOffset); err != nil {
		s.log.Warn("copying prior block failed, recomputing",
			"rel_path", relPath, "side", side.String(), "error", err)
		return nil, false
	}
	return block, true
}

// scanCorpus enumerates the .xml files of both side directories, unioned by
// case-insensitive, forward-slash relative path. Returns documents in
// deterministic path order plus the total number of (document, side) pairs.
func (s *Store) scanCorpus() ([]scannedDoc, int, error) {
	byKey := make(map[string]*scannedDoc)
	sidesFound := 0
	for side := SideOriginal; side <= SideTranslated; side++ {
		dir := s.corpus.SideDir(side)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		sidesFound++
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtree: skip it, the rest of the corpus still
				// gets indexed.
				s.log.Warn("skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".xml") {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			key := strings.ToLower(rel)
			doc, ok := byKey[key]
			if !ok {
				doc = &scannedDoc{relPath: rel}
				byKey[key] = doc
			}
			info, err := d.Info()
			if err != nil {
				// Disappeared mid-walk; treat as present with a zero
				// fingerprint so it is recomputed (as empty) rather than
				// silently dropped.
				doc.sides[side] = sideState{present: true}
				return nil
			}
			doc.sides[side] = sideState{
				present: true,
				ticks:   info.ModTime().UTC().UnixNano(),
				length:  info.Size(),
			}
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("walking %s: %w", dir, err)
		}
	}
	if sidesFound == 0 {
		return nil, 0, apperrors.ErrCorpusMissing
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	docs := make([]scannedDoc, 0, len(keys))
	total := 0
	for _, k := range keys {
		doc := byKey[k]
		for side := SideOriginal; side <= SideTranslated; side++ {
			if doc.sides[side].present {
				total++
			}
		}
		docs = append(docs, *doc)
	}
	return docs, total, nil
}
