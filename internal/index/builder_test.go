package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tei-tools/bitext-search/internal/bloom"
	apperrors "github.com/tei-tools/bitext-search/pkg/errors"
)

func findEntry(t *testing.T, man *Manifest, relPath string, side Side) Entry {
	t.Helper()
	for _, e := range man.Entries {
		if e.RelPath == relPath && e.Side == side {
			return e
		}
	}
	t.Fatalf("no entry for %s/%s", relPath, side)
	return Entry{}
}

func readBlock(t *testing.T, c Corpus, offset int64) []byte {
	t.Helper()
	f, err := os.Open(c.BlobPath())
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, bloom.FilterBytes)
	_, err = f.ReadAt(buf, offset)
	require.NoError(t, err)
	return buf
}

func writeBlock(t *testing.T, c Corpus, offset int64, block []byte) {
	t.Helper()
	f, err := os.OpenFile(c.BlobPath(), os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(block, offset)
	require.NoError(t, err)
}

func TestBuildUnionsBothSides(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, SideOriginal, "a.xml", "原文甲")
	writeDoc(t, c, SideTranslated, "a.xml", "translation of a")
	writeDoc(t, c, SideOriginal, "b.xml", "原文乙")
	writeDoc(t, c, SideTranslated, "c.xml", "translation only")
	writeDoc(t, c, SideOriginal, "notes.txt.bak", "ignored") // not .xml

	s := newTestStore(c)
	require.NoError(t, s.BuildOrUpdate(context.Background(), BuildOptions{}))
	res := s.Load()
	require.True(t, res.Valid())
	require.Len(t, res.Manifest.Entries, 4)

	findEntry(t, res.Manifest, "a.xml", SideOriginal)
	findEntry(t, res.Manifest, "a.xml", SideTranslated)
	findEntry(t, res.Manifest, "b.xml", SideOriginal)
	findEntry(t, res.Manifest, "c.xml", SideTranslated)
}

func TestBuildProgressMonotone(t *testing.T) {
	c := testCorpus(t)
	for _, name := range []string{"a.xml", "b.xml", "c.xml", "d.xml", "e.xml"} {
		writeDoc(t, c, SideOriginal, name, "內容 "+name)
	}
	s := newTestStore(c)

	var phases []string
	last := -1
	err := s.BuildOrUpdate(context.Background(), BuildOptions{
		Progress: func(done, total int, phase string) {
			phases = append(phases, phase)
			if phase == PhaseIndex {
				assert.GreaterOrEqual(t, done, last)
				assert.LessOrEqual(t, done, total)
				last = done
			}
		},
	})
	require.NoError(t, err)
	assert.Contains(t, phases, PhaseScan)
	assert.Contains(t, phases, PhaseIndex)
	assert.Contains(t, phases, PhasePublish)
	assert.Equal(t, 5, last)
}

func TestIncrementalReusesUnchangedBlocks(t *testing.T) {
	c, s := buildCorpus(t)
	res := s.Load()
	require.True(t, res.Valid())
	entry := findEntry(t, res.Manifest, "sutra/a.xml", SideOriginal)

	// Poison the published block. If the incremental rebuild byte-copies it,
	// the poison survives; if it recomputed, it would not.
	poison := make([]byte, bloom.FilterBytes)
	for i := range poison {
		poison[i] = 0xFF
	}
	writeBlock(t, c, entry.BloomOffset, poison)

	s2 := newTestStore(c)
	require.NoError(t, s2.BuildOrUpdate(context.Background(), BuildOptions{}))
	res2 := s2.Load()
	require.True(t, res2.Valid())
	entry2 := findEntry(t, res2.Manifest, "sutra/a.xml", SideOriginal)
	assert.Equal(t, poison, readBlock(t, c, entry2.BloomOffset), "unchanged document should be byte-copied")
}

func TestForceRebuildRecomputesAllBlocks(t *testing.T) {
	c, s := buildCorpus(t)
	res := s.Load()
	require.True(t, res.Valid())
	entry := findEntry(t, res.Manifest, "sutra/a.xml", SideOriginal)
	clean := readBlock(t, c, entry.BloomOffset)

	poison := make([]byte, bloom.FilterBytes)
	for i := range poison {
		poison[i] = 0xFF
	}
	writeBlock(t, c, entry.BloomOffset, poison)

	s2 := newTestStore(c)
	require.NoError(t, s2.BuildOrUpdate(context.Background(), BuildOptions{Force: true}))
	res2 := s2.Load()
	require.True(t, res2.Valid())
	entry2 := findEntry(t, res2.Manifest, "sutra/a.xml", SideOriginal)
	assert.Equal(t, clean, readBlock(t, c, entry2.BloomOffset))
}

func TestTouchedMtimeForcesRecompute(t *testing.T) {
	// Safe over-invalidation: a changed mtime with identical content must
	// still recompute, never under-invalidate.
	c, s := buildCorpus(t)
	res := s.Load()
	require.True(t, res.Valid())
	entry := findEntry(t, res.Manifest, "sutra/a.xml", SideOriginal)
	clean := readBlock(t, c, entry.BloomOffset)

	poison := make([]byte, bloom.FilterBytes)
	writeBlock(t, c, entry.BloomOffset, poison)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(c.SidePath(SideOriginal, "sutra/a.xml"), future, future))

	s2 := newTestStore(c)
	require.NoError(t, s2.BuildOrUpdate(context.Background(), BuildOptions{}))
	res2 := s2.Load()
	require.True(t, res2.Valid())
	entry2 := findEntry(t, res2.Manifest, "sutra/a.xml", SideOriginal)
	assert.Equal(t, clean, readBlock(t, c, entry2.BloomOffset), "touched file must be recomputed from content")
}

func TestIncrementalAfterNewDocumentKeepsBlockContent(t *testing.T) {
	c, s := buildCorpus(t)
	res := s.Load()
	require.True(t, res.Valid())
	before := make(map[string][]byte)
	for _, e := range res.Manifest.Entries {
		before[EntryKey(e.RelPath, e.Side)] = readBlock(t, c, e.BloomOffset)
	}

	writeDoc(t, c, SideOriginal, "sutra/0new.xml", "新增文件")
	s2 := newTestStore(c)
	require.NoError(t, s2.BuildOrUpdate(context.Background(), BuildOptions{}))
	res2 := s2.Load()
	require.True(t, res2.Valid())
	require.Len(t, res2.Manifest.Entries, len(before)+1)

	// Ids and offsets follow the new enumeration, but surviving entries keep
	// identical filter content.
	for _, e := range res2.Manifest.Entries {
		old, ok := before[EntryKey(e.RelPath, e.Side)]
		if !ok {
			continue
		}
		assert.Equal(t, old, readBlock(t, c, e.BloomOffset), "%s/%s", e.RelPath, e.Side)
	}
}

func TestCancellationLeavesPublishedGenerationIntact(t *testing.T) {
	c, s := buildCorpus(t)
	res := s.Load()
	require.True(t, res.Valid())
	manifestBefore, err := os.ReadFile(c.ManifestPath())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writeDoc(t, c, SideOriginal, "sutra/late.xml", "after cancel")
	err = newTestStore(c).BuildOrUpdate(ctx, BuildOptions{})
	require.ErrorIs(t, err, context.Canceled)

	manifestAfter, err := os.ReadFile(c.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, manifestBefore, manifestAfter)
	res2 := newTestStore(c).Load()
	assert.True(t, res2.Valid())

	_, err = os.Stat(c.BlobPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp blob must be cleaned up")
	_, err = os.Stat(c.ManifestPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp manifest must be cleaned up")
}

func TestUnreadableDocumentIndexedAsEmpty(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, SideOriginal, "good.xml", "text")
	require.NoError(t, os.Symlink("/nonexistent/broken.xml", c.SidePath(SideOriginal, "broken.xml")))

	s := newTestStore(c)
	require.NoError(t, s.BuildOrUpdate(context.Background(), BuildOptions{}))
	res := s.Load()
	require.True(t, res.Valid())
	require.Len(t, res.Manifest.Entries, 2)

	entry := findEntry(t, res.Manifest, "broken.xml", SideOriginal)
	empty := bloom.BuildFromText("").AppendBytes(nil)
	assert.Equal(t, empty, readBlock(t, c, entry.BloomOffset))
}

func TestStaleSnapshotNeverPoisonsBlockCache(t *testing.T) {
	// Generations reuse the same blob offsets. A straggler still holding the
	// previous generation's snapshot must not be able to park an old filter in
	// the shared cache where a reader of the new generation would find it.
	c, s := buildCorpus(t)
	snap1 := s.Snapshot()
	require.True(t, snap1.Valid())
	defer snap1.Blob.Close()
	old := findEntry(t, snap1.Manifest, "sutra/a.xml", SideOriginal)

	writeDoc(t, c, SideOriginal, "sutra/a.xml", "zzz全新的替換內容zzz")
	require.NoError(t, s.BuildOrUpdate(context.Background(), BuildOptions{}))

	snap2 := s.Snapshot()
	require.True(t, snap2.Valid())
	defer snap2.Blob.Close()
	cur := findEntry(t, snap2.Manifest, "sutra/a.xml", SideOriginal)
	assert.Equal(t, old.BloomOffset, cur.BloomOffset, "same sort position, same offset")

	// Straggler read against the superseded generation, then a current read at
	// the same offset.
	_, err := s.Cache().Block(snap1.Blob, old.BloomOffset, snap1.Gen)
	require.NoError(t, err)
	f, err := s.Cache().Block(snap2.Blob, cur.BloomOffset, snap2.Gen)
	require.NoError(t, err)
	for _, g := range bloom.QueryGrams("zzz") {
		assert.True(t, f.MightContain(g), "current generation's filter must contain gram %q", g)
	}

	// And the stale snapshot keeps seeing its own generation.
	stale, err := s.Cache().Block(snap1.Blob, old.BloomOffset, snap1.Gen)
	require.NoError(t, err)
	for _, g := range bloom.QueryGrams("如是我") {
		assert.True(t, stale.MightContain(g))
	}
}

func TestPublishFailureCleansTempFiles(t *testing.T) {
	c, _ := buildCorpus(t)

	// Replace the manifest with a non-empty directory so the final rename
	// cannot succeed.
	require.NoError(t, os.Remove(c.ManifestPath()))
	require.NoError(t, os.MkdirAll(filepath.Join(c.ManifestPath(), "blocker"), 0o755))

	err := newTestStore(c).BuildOrUpdate(context.Background(), BuildOptions{})
	require.ErrorIs(t, err, apperrors.ErrPublishContention)

	_, err = os.Stat(c.ManifestPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp manifest must be cleaned up")
	_, err = os.Stat(c.BlobPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp blob must be cleaned up")
}

func TestBuildMissingCorpus(t *testing.T) {
	c := Corpus{Root: t.TempDir(), OriginalDir: "original", TranslatedDir: "translated"}
	err := newTestStore(c).BuildOrUpdate(context.Background(), BuildOptions{})
	require.ErrorIs(t, err, apperrors.ErrCorpusMissing)
}
