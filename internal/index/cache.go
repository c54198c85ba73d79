package index

import (
	"container/list"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tei-tools/bitext-search/internal/bloom"
	"github.com/tei-tools/bitext-search/pkg/logger"
	"github.com/tei-tools/bitext-search/pkg/metrics"
)

// Cache is the per-root read-side cache: the parsed manifest keyed by the
// pair's modification timestamps, and a byte-budgeted LRU of decoded filter
// blocks keyed by blob offset. It is safe for concurrent use; all cached data
// belongs to immutable published generations and is dropped whenever the
// files on disk change.
//
// gen counts reloads. Every generation reuses the same blob offsets, so block
// reads are tagged with the gen they were snapshotted under and the LRU only
// serves or accepts blocks whose tag matches the current gen. A straggler
// still scanning a superseded generation reads through without polluting the
// cache.
type Cache struct {
	corpus  Corpus
	metrics *metrics.Metrics
	log     *slog.Logger

	mu          sync.Mutex
	cached      LoadResult
	loaded      bool
	gen         uint64
	manifestMod time.Time
	blobMod     time.Time
	blocks      *blockLRU
}

// Snapshot binds one validated generation to an open blob handle and the
// generation tag its blocks may be cached under. Callers close Blob when the
// selection phase is done.
type Snapshot struct {
	LoadResult
	Blob *os.File
	Gen  uint64
}

// NewCache creates a cache with the given block budget in bytes.
func NewCache(corpus Corpus, blockBudget int64, met *metrics.Metrics) *Cache {
	return &Cache{
		corpus:  corpus,
		metrics: met,
		log:     logger.WithComponent("index-cache"),
		blocks:  newBlockLRU(blockBudget),
	}
}

// Load returns the current generation, re-reading and re-validating the pair
// from disk only when either file's modification timestamp changed since the
// last load.
func (c *Cache) Load() LoadResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Cache) loadLocked() LoadResult {
	manMod, blobMod := fileMod(c.corpus.ManifestPath()), fileMod(c.corpus.BlobPath())
	if c.loaded && manMod.Equal(c.manifestMod) && blobMod.Equal(c.blobMod) {
		return c.cached
	}
	if c.loaded {
		c.log.Debug("index pair changed on disk, reloading")
	}
	c.gen++
	c.blocks.clear()
	c.cached = loadPair(c.corpus)
	c.loaded = true
	c.manifestMod = manMod
	c.blobMod = blobMod
	if !c.cached.Valid() {
		c.log.Info("index generation invalid",
			"reason", c.cached.Reason,
			"error", c.cached.Err,
		)
	}
	return c.cached
}

// Snapshot validates the pair and opens the blob under one lock, so a publish
// cannot land between the manifest read and the blob open. The opened handle
// is re-stat'd against the validated pair; a rename slipping into that window
// shows up as a changed mtime or size and forces a revalidation.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	for attempt := 0; attempt < 3; attempt++ {
		res := c.loadLocked()
		if !res.Valid() {
			return Snapshot{LoadResult: res}
		}
		blob, err := os.Open(c.corpus.BlobPath())
		if err != nil {
			c.dropLocked()
			continue
		}
		info, err := blob.Stat()
		if err != nil || !info.ModTime().Equal(c.blobMod) || info.Size() != res.BlobSize {
			blob.Close()
			c.dropLocked()
			continue
		}
		return Snapshot{LoadResult: res, Blob: blob, Gen: c.gen}
	}
	return Snapshot{LoadResult: invalid(ReasonBlobUnavailable,
		fmt.Errorf("blob kept changing while opening a snapshot"))}
}

// Invalidate drops the cached manifest and all cached blocks. The next Load
// re-reads the pair from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Cache) dropLocked() {
	c.loaded = false
	c.cached = LoadResult{}
	c.gen++
	c.blocks.clear()
}

// Close releases everything the cache holds.
func (c *Cache) Close() error {
	c.Invalidate()
	return nil
}

// Block returns the decoded filter at offset, reading through blob on a cache
// miss. blob and gen come from the Snapshot the offsets came from; a stale
// gen reads through without touching the LRU, since the same offset in a
// newer generation holds a different document's filter.
func (c *Cache) Block(blob io.ReaderAt, offset int64, gen uint64) (*bloom.Filter, error) {
	c.mu.Lock()
	if gen == c.gen {
		if f, ok := c.blocks.get(offset); ok {
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.BlockCacheHits.Inc()
			}
			return f, nil
		}
	}
	c.mu.Unlock()

	buf := make([]byte, bloom.FilterBytes)
	if _, err := blob.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("reading filter block at %d: %w", offset, err)
	}
	f, ok := bloom.FromBytes(buf)
	if !ok {
		return nil, fmt.Errorf("malformed filter block at %d", offset)
	}
	c.mu.Lock()
	if gen == c.gen {
		c.blocks.put(offset, f)
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.BlockCacheMisses.Inc()
	}
	return f, nil
}

func fileMod(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// blockLRU is a byte-budgeted LRU of decoded filter blocks keyed by blob
// offset. Eviction and insertion are the only mutations; the caller holds the
// cache lock.
type blockLRU struct {
	budget  int64
	used    int64
	order   *list.List
	entries map[int64]*list.Element
}

type blockItem struct {
	offset int64
	filter *bloom.Filter
}

func newBlockLRU(budget int64) *blockLRU {
	return &blockLRU{
		budget:  budget,
		order:   list.New(),
		entries: make(map[int64]*list.Element),
	}
}

func (l *blockLRU) get(offset int64) (*bloom.Filter, bool) {
	el, ok := l.entries[offset]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*blockItem).filter, true
}

func (l *blockLRU) put(offset int64, f *bloom.Filter) {
	if l.budget < bloom.FilterBytes {
		return
	}
	if el, ok := l.entries[offset]; ok {
		l.order.MoveToFront(el)
		el.Value.(*blockItem).filter = f
		return
	}
	l.entries[offset] = l.order.PushFront(&blockItem{offset: offset, filter: f})
	l.used += bloom.FilterBytes
	for l.used > l.budget {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		item := l.order.Remove(oldest).(*blockItem)
		delete(l.entries, item.offset)
		l.used -= bloom.FilterBytes
	}
}

func (l *blockLRU) clear() {
	l.order.Init()
	l.entries = make(map[int64]*list.Element)
	l.used = 0
}
