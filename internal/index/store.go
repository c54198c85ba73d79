package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tei-tools/bitext-search/internal/bloom"
	"github.com/tei-tools/bitext-search/pkg/config"
	apperrors "github.com/tei-tools/bitext-search/pkg/errors"
	"github.com/tei-tools/bitext-search/pkg/logger"
	"github.com/tei-tools/bitext-search/pkg/metrics"
	"github.com/tei-tools/bitext-search/pkg/resilience"
	"golang.org/x/sync/singleflight"
)

// InvalidReason says why a manifest/blob pair was rejected. Every reason is a
// normal "index absent" signal, recovered by a full rebuild, never an
// exception path.
type InvalidReason string

const (
	ReasonNone            InvalidReason = ""
	ReasonMissing         InvalidReason = "missing"
	ReasonUnparsable      InvalidReason = "unparsable"
	ReasonRootMismatch    InvalidReason = "root-mismatch"
	ReasonVersionMismatch InvalidReason = "version-mismatch"
	ReasonFingerprint     InvalidReason = "fingerprint-mismatch"
	ReasonBloomParams     InvalidReason = "bloom-params-mismatch"
	ReasonOffsetRange     InvalidReason = "offset-out-of-range"
	ReasonDuplicateEntry  InvalidReason = "duplicate-entry"
	ReasonBlobUnavailable InvalidReason = "blob-unavailable"
)

// LoadResult is the outcome of loading an index generation: either a valid
// manifest or the exact reason it was rejected.
type LoadResult struct {
	Manifest *Manifest
	BlobSize int64
	Reason   InvalidReason
	Err      error
}

// Valid reports whether the load produced a usable manifest.
func (r LoadResult) Valid() bool {
	return r.Manifest != nil
}

func invalid(reason InvalidReason, err error) LoadResult {
	return LoadResult{Reason: reason, Err: err}
}

// Store owns one corpus root's index pair: loading with full validation,
// atomic publication, and the exclusive build gate. Construct one per root
// and share it between builds and searches.
type Store struct {
	corpus  Corpus
	cfg     config.IndexConfig
	cache   *Cache
	metrics *metrics.Metrics
	log     *slog.Logger

	buildGroup singleflight.Group
	buildGate  chan struct{}
}

// NewStore creates a Store for the corpus. met may be nil.
func NewStore(corpus Corpus, cfg config.IndexConfig, met *metrics.Metrics) *Store {
	s := &Store{
		corpus:    corpus,
		cfg:       cfg,
		metrics:   met,
		log:       logger.WithComponent("index-store"),
		buildGate: make(chan struct{}, 1),
	}
	s.cache = NewCache(corpus, cfg.BlockCacheBytes, met)
	return s
}

// Corpus returns the corpus this store indexes.
func (s *Store) Corpus() Corpus {
	return s.corpus
}

// Cache returns the per-root index cache (parsed manifest + block LRU).
func (s *Store) Cache() *Cache {
	return s.cache
}

// Load reads and validates the current generation, going through the cache.
func (s *Store) Load() LoadResult {
	return s.cache.Load()
}

// Snapshot returns the current generation bound to an open blob handle. See
// Cache.Snapshot.
func (s *Store) Snapshot() Snapshot {
	return s.cache.Snapshot()
}

// Close releases the cache. The store itself holds no open files.
func (s *Store) Close() error {
	return s.cache.Close()
}

// loadPair reads and validates the manifest/blob pair from disk. Validation
// is all-or-nothing: any mismatch rejects the whole generation.
func loadPair(corpus Corpus) LoadResult {
	data, err := os.ReadFile(corpus.ManifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return invalid(ReasonMissing, err)
		}
		return invalid(ReasonUnparsable, err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return invalid(ReasonUnparsable, err)
	}
	if man.Version != Version {
		return invalid(ReasonVersionMismatch,
			fmt.Errorf("manifest version %d, engine expects %d", man.Version, Version))
	}
	if man.BuildGUID != BuildGUID {
		return invalid(ReasonFingerprint,
			fmt.Errorf("manifest fingerprint %q, engine expects %q", man.BuildGUID, BuildGUID))
	}
	if man.BloomBits != bloom.FilterBits || man.BloomHashCount != bloom.HashCount {
		return invalid(ReasonBloomParams,
			fmt.Errorf("bloom params %d/%d, engine expects %d/%d",
				man.BloomBits, man.BloomHashCount, bloom.FilterBits, bloom.HashCount))
	}
	if !sameRoot(man.RootPath, corpus.Root) {
		return invalid(ReasonRootMismatch,
			fmt.Errorf("manifest built for root %q, loading from %q", man.RootPath, corpus.Root))
	}
	blobInfo, err := os.Stat(corpus.BlobPath())
	if err != nil {
		return invalid(ReasonMissing, err)
	}
	seen := make(map[string]struct{}, len(man.Entries))
	for _, e := range man.Entries {
		if e.BloomOffset < 0 || e.BloomOffset+bloom.FilterBytes > blobInfo.Size() {
			return invalid(ReasonOffsetRange,
				fmt.Errorf("entry %d (%s/%s) block at %d exceeds blob size %d",
					e.ID, e.RelPath, e.Side, e.BloomOffset, blobInfo.Size()))
		}
		key := EntryKey(e.RelPath, e.Side)
		if _, dup := seen[key]; dup {
			return invalid(ReasonDuplicateEntry,
				fmt.Errorf("duplicate entry for %s/%s", e.RelPath, e.Side))
		}
		seen[key] = struct{}{}
	}
	return LoadResult{Manifest: &man, BlobSize: blobInfo.Size()}
}

func sameRoot(a, b string) bool {
	ca, err1 := filepath.Abs(filepath.Clean(a))
	cb, err2 := filepath.Abs(filepath.Clean(b))
	if err1 != nil || err2 != nil {
		return a == b
	}
	return ca == cb
}

// publish atomically replaces the current generation with the manifest and
// the finished temp blob. The blob lands first so that the manifest never
// references blocks that do not exist yet; each rename is retried with capped
// backoff against transient sharing violations from concurrent readers.
func (s *Store) publish(ctx context.Context, man *Manifest, tmpBlobPath string) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmpManifestPath := s.corpus.ManifestPath() + ".tmp"
	if err := os.WriteFile(tmpManifestPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	retryCfg := resilience.RetryConfig{MaxAttempts: s.cfg.PublishRetries}
	if err := resilience.Retry(ctx, "publish-blob", retryCfg, func() error {
		return os.Rename(tmpBlobPath, s.corpus.BlobPath())
	}); err != nil {
		os.Remove(tmpManifestPath)
		return fmt.Errorf("%w: replacing blob: %v", apperrors.ErrPublishContention, err)
	}
	if err := resilience.Retry(ctx, "publish-manifest", retryCfg, func() error {
		return os.Rename(tmpManifestPath, s.corpus.ManifestPath())
	}); err != nil {
		os.Remove(tmpManifestPath)
		return fmt.Errorf("%w: replacing manifest: %v", apperrors.ErrPublishContention, err)
	}
	s.cache.Invalidate()
	return nil
}
