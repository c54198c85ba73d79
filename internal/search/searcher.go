package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tei-tools/bitext-search/internal/index"
	"github.com/tei-tools/bitext-search/pkg/config"
	apperrors "github.com/tei-tools/bitext-search/pkg/errors"
	"github.com/tei-tools/bitext-search/pkg/logger"
	"github.com/tei-tools/bitext-search/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// PhaseVerify is reported through Progress during the verification fan-out.
const PhaseVerify = "verify"

// Metadata is display information for one document, looked up from the
// surrounding application. The engine never interprets it.
type Metadata struct {
	Title   string
	Tooltip string
	Status  string
}

// MetadataFunc resolves display metadata for a relative path.
type MetadataFunc func(relPath string) Metadata

// PathFilter restricts a search to the relative paths it accepts.
type PathFilter func(relPath string) bool

// ResultGroup aggregates the verified hits of one document across both sides.
type ResultGroup struct {
	RelPath    string
	Meta       Metadata
	Original   []Hit
	Translated []Hit
}

// HitCount returns the total hits across both sides.
func (g *ResultGroup) HitCount() int {
	return len(g.Original) + len(g.Translated)
}

// Options configures one SearchAll call.
type Options struct {
	IncludeOriginal   bool
	IncludeTranslated bool
	ContextWidth      int
	Metadata          MetadataFunc
	PathFilter        PathFilter
	Progress          index.Progress
}

// Searcher runs two-phase searches against one store's published generation.
type Searcher struct {
	store   *index.Store
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewSearcher creates a Searcher over store. met may be nil.
func NewSearcher(store *index.Store, cfg config.SearchConfig, met *metrics.Metrics) *Searcher {
	return &Searcher{
		store:   store,
		cfg:     cfg,
		metrics: met,
		log:     logger.WithComponent("searcher"),
	}
}

// SearchAll selects candidates against the current generation, verifies them
// in parallel, and returns one group per matched document, sorted by relative
// path. The index is touched only briefly up front; a concurrent rebuild's
// publication is never blocked by a long verification phase.
func (s *Searcher) SearchAll(ctx context.Context, query string, opts Options) ([]ResultGroup, error) {
	start := time.Now()
	groups, err := s.searchAll(ctx, query, opts)
	if s.metrics != nil {
		s.metrics.SearchLatency.Observe(time.Since(start).Seconds())
		switch {
		case errors.Is(err, context.Canceled):
			s.metrics.SearchesTotal.WithLabelValues("canceled").Inc()
		case err != nil:
			s.metrics.SearchesTotal.WithLabelValues("error").Inc()
		case len(groups) == 0:
			s.metrics.SearchesTotal.WithLabelValues("zero_result").Inc()
		default:
			s.metrics.SearchesTotal.WithLabelValues("ok").Inc()
		}
	}
	return groups, err
}

func (s *Searcher) searchAll(ctx context.Context, query string, opts Options) ([]ResultGroup, error) {
	if query == "" {
		return nil, nil
	}
	sides := index.SideMask(0)
	if opts.IncludeOriginal {
		sides |= index.MaskOriginal
	}
	if opts.IncludeTranslated {
		sides |= index.MaskTranslated
	}
	if sides == 0 {
		return nil, nil
	}
	contextWidth := opts.ContextWidth
	if contextWidth <= 0 {
		contextWidth = s.cfg.ContextWidth
	}

	// Phase one: cheap. The snapshot binds the validated manifest and the blob
	// handle under one lock, so a publish cannot land between the two; both
	// are released before verification starts.
	snap := s.store.Snapshot()
	if !snap.Valid() {
		return nil, fmt.Errorf("%w (%s)", apperrors.ErrIndexAbsent, snap.Reason)
	}
	candidates, err := SelectCandidates(ctx, snap, s.store.Cache(), query, sides, s.cfg.SelectParallelism)
	snap.Blob.Close()
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.CandidateCount.Observe(float64(len(candidates)))
	}

	rels := make([]string, 0, len(candidates))
	for rel := range candidates {
		if opts.PathFilter != nil && !opts.PathFilter(rel) {
			continue
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	// Phase two: exact verification, fanned out per candidate document.
	corpus := s.store.Corpus()
	results := make([]*ResultGroup, len(rels))
	var done atomic.Int64
	total := len(rels)
	parallelism := s.cfg.VerifyParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, rel := range rels {
		i, rel := i, rel
		mask := candidates[rel]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			group := ResultGroup{RelPath: rel}
			if mask.Has(index.SideOriginal) {
				hits, err := VerifyFile(corpus.SidePath(index.SideOriginal, rel), query, contextWidth)
				if err != nil {
					return err
				}
				group.Original = hits
			}
			if mask.Has(index.SideTranslated) {
				hits, err := VerifyFile(corpus.SidePath(index.SideTranslated, rel), query, contextWidth)
				if err != nil {
					return err
				}
				group.Translated = hits
			}
			if group.HitCount() > 0 {
				if opts.Metadata != nil {
					group.Meta = opts.Metadata(rel)
				}
				results[i] = &group
			}
			if opts.Progress != nil {
				opts.Progress(int(done.Add(1)), total, PhaseVerify)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	groups := make([]ResultGroup, 0, len(rels))
	for _, g := range results {
		if g != nil {
			groups = append(groups, *g)
		}
	}
	// rels were walked in order, but workers finish in any order; the final
	// sort is what callers rely on.
	sort.Slice(groups, func(i, j int) bool { return groups[i].RelPath < groups[j].RelPath })

	s.log.Debug("search complete",
		"query", query,
		"candidates", len(candidates),
		"matched", len(groups),
	)
	return groups, nil
}
