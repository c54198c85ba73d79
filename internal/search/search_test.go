package search

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tei-tools/bitext-search/internal/index"
	"github.com/tei-tools/bitext-search/internal/normalize"
	"github.com/tei-tools/bitext-search/pkg/config"
	apperrors "github.com/tei-tools/bitext-search/pkg/errors"
)

func testCorpus(t *testing.T) index.Corpus {
	t.Helper()
	c := index.Corpus{Root: t.TempDir(), OriginalDir: "original", TranslatedDir: "translated"}
	require.NoError(t, os.MkdirAll(c.SideDir(index.SideOriginal), 0o755))
	require.NoError(t, os.MkdirAll(c.SideDir(index.SideTranslated), 0o755))
	return c
}

func writeDoc(t *testing.T, c index.Corpus, side index.Side, rel, body string) {
	t.Helper()
	path := c.SidePath(side, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	raw := "<TEI><teiHeader><fileDesc/></teiHeader><body><p>" + body + "</p></body></TEI>"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
}

func newSearcher(t *testing.T, c index.Corpus) (*index.Store, *Searcher) {
	t.Helper()
	store := index.NewStore(c, config.IndexConfig{BlockCacheBytes: 1 << 20, ProgressInterval: 2, PublishRetries: 2}, nil)
	cfg := config.SearchConfig{SelectParallelism: 4, VerifyParallelism: 2, ContextWidth: 10}
	return store, NewSearcher(store, cfg, nil)
}

func buildAndSearch(t *testing.T, c index.Corpus) *Searcher {
	t.Helper()
	store, searcher := newSearcher(t, c)
	require.NoError(t, store.BuildOrUpdate(context.Background(), index.BuildOptions{}))
	return searcher
}

func bothSides() Options {
	return Options{IncludeOriginal: true, IncludeTranslated: true}
}

func TestFindHitsNonOverlapping(t *testing.T) {
	hits := FindHits("aaaa", "aa", 5)
	require.Len(t, hits, 2)
	assert.Equal(t, 0, hits[0].Index)
	assert.Equal(t, 2, hits[1].Index)
}

func TestFindHitsContextClamped(t *testing.T) {
	hits := FindHits("abcdefg", "cde", 2)
	require.Len(t, hits, 1)
	assert.Equal(t, Hit{Index: 2, Left: "ab", Match: "cde", Right: "fg"}, hits[0])

	hits = FindHits("xy", "xy", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, Hit{Index: 0, Left: "", Match: "xy", Right: ""}, hits[0])
}

func TestFindHitsCaseInsensitive(t *testing.T) {
	hits := FindHits("Thus Have I Heard", "have i", 3)
	require.Len(t, hits, 1)
	assert.Equal(t, "Have I", hits[0].Match)
}

func TestFindHitsRuneIndexing(t *testing.T) {
	hits := FindHits("如是我聞一時", "我聞", 1)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].Index)
	assert.Equal(t, "是", hits[0].Left)
	assert.Equal(t, "一", hits[0].Right)
}

func TestSearchSingleTranslatedMatch(t *testing.T) {
	// Three documents: one full pair, one original-only, one whose translated
	// side alone contains the needle.
	c := testCorpus(t)
	writeDoc(t, c, index.SideOriginal, "a.xml", "如是我聞一時佛在")
	writeDoc(t, c, index.SideTranslated, "a.xml", "thus have i heard")
	writeDoc(t, c, index.SideOriginal, "b.xml", "爾時世尊告諸比丘")
	writeDoc(t, c, index.SideOriginal, "c.xml", "菩薩摩訶薩")
	writeDoc(t, c, index.SideTranslated, "c.xml", "the needle 舍利弗 appears here")

	searcher := buildAndSearch(t, c)
	groups, err := searcher.SearchAll(context.Background(), "舍利弗", bothSides())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "c.xml", groups[0].RelPath)
	assert.Empty(t, groups[0].Original)
	require.Len(t, groups[0].Translated, 1)
	assert.Equal(t, "舍利弗", groups[0].Translated[0].Match)
}

func TestSearchSingleRuneQueryBypassesBloom(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, index.SideOriginal, "a.xml", "南無佛")
	writeDoc(t, c, index.SideOriginal, "b.xml", "無量壽")

	store, searcher := newSearcher(t, c)
	require.NoError(t, store.BuildOrUpdate(context.Background(), index.BuildOptions{}))

	snap := store.Snapshot()
	require.True(t, snap.Valid())
	defer snap.Blob.Close()
	candidates, err := SelectCandidates(context.Background(), snap, store.Cache(), "佛", index.MaskBoth, 2)
	require.NoError(t, err)
	assert.Len(t, candidates, 2, "short queries cannot be pruned")

	groups, err := searcher.SearchAll(context.Background(), "佛", bothSides())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "a.xml", groups[0].RelPath)
}

func TestSearchSideSelection(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, index.SideOriginal, "a.xml", "shared term here")
	writeDoc(t, c, index.SideTranslated, "a.xml", "shared term there")

	searcher := buildAndSearch(t, c)
	groups, err := searcher.SearchAll(context.Background(), "shared term", Options{IncludeOriginal: true})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.NotEmpty(t, groups[0].Original)
	assert.Empty(t, groups[0].Translated)
}

func TestSearchOrderedByRelPath(t *testing.T) {
	c := testCorpus(t)
	for _, name := range []string{"z.xml", "m.xml", "a.xml", "sub/q.xml"} {
		writeDoc(t, c, index.SideOriginal, name, "共同的字句")
	}
	searcher := buildAndSearch(t, c)
	groups, err := searcher.SearchAll(context.Background(), "共同的", bothSides())
	require.NoError(t, err)
	require.Len(t, groups, 4)
	rels := make([]string, len(groups))
	for i, g := range groups {
		rels[i] = g.RelPath
	}
	assert.True(t, sort.StringsAreSorted(rels), "groups must be sorted by relative path, got %v", rels)
}

func TestSearchPathFilterAndMetadata(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, index.SideOriginal, "keep/a.xml", "同一個字串")
	writeDoc(t, c, index.SideOriginal, "drop/b.xml", "同一個字串")

	searcher := buildAndSearch(t, c)
	opts := bothSides()
	opts.PathFilter = func(rel string) bool { return filepath.Dir(rel) != "drop" }
	opts.Metadata = func(rel string) Metadata { return Metadata{Title: "T:" + rel, Status: "reviewed"} }

	groups, err := searcher.SearchAll(context.Background(), "同一個", opts)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "keep/a.xml", groups[0].RelPath)
	assert.Equal(t, "T:keep/a.xml", groups[0].Meta.Title)
	assert.Equal(t, "reviewed", groups[0].Meta.Status)
}

func TestSearchMissingFileYieldsNoHits(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, index.SideOriginal, "a.xml", "要找的字")
	writeDoc(t, c, index.SideOriginal, "b.xml", "要找的字")

	searcher := buildAndSearch(t, c)
	require.NoError(t, os.Remove(c.SidePath(index.SideOriginal, "b.xml")))

	groups, err := searcher.SearchAll(context.Background(), "要找的", bothSides())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "a.xml", groups[0].RelPath)
}

func TestSearchIndexAbsent(t *testing.T) {
	c := testCorpus(t)
	_, searcher := newSearcher(t, c)
	_, err := searcher.SearchAll(context.Background(), "anything", bothSides())
	require.ErrorIs(t, err, apperrors.ErrIndexAbsent)
}

func TestSearchProgressMonotone(t *testing.T) {
	c := testCorpus(t)
	for _, name := range []string{"a.xml", "b.xml", "c.xml", "d.xml"} {
		writeDoc(t, c, index.SideOriginal, name, "進度測試字串")
	}
	searcher := buildAndSearch(t, c)
	opts := bothSides()
	var mu sync.Mutex
	seen := make(map[int]bool)
	opts.Progress = func(done, total int, phase string) {
		assert.Equal(t, PhaseVerify, phase)
		assert.LessOrEqual(t, done, total)
		mu.Lock()
		seen[done] = true
		mu.Unlock()
	}
	_, err := searcher.SearchAll(context.Background(), "進度測試", opts)
	require.NoError(t, err)
	// Counts are unique and reach the total even if delivery order jitters
	// across workers.
	assert.Len(t, seen, 4)
	assert.True(t, seen[4])
}

func TestSearchSeesNewGenerationAfterRebuild(t *testing.T) {
	c := testCorpus(t)
	writeDoc(t, c, index.SideOriginal, "a.xml", "舊時的內容字句")
	store, searcher := newSearcher(t, c)
	require.NoError(t, store.BuildOrUpdate(context.Background(), index.BuildOptions{}))

	groups, err := searcher.SearchAll(context.Background(), "舊時的", bothSides())
	require.NoError(t, err)
	require.Len(t, groups, 1)

	// Replace the document and rebuild through the same store. The block cache
	// is shared across generations and every generation reuses the same
	// offsets, so the second search must not be served the first generation's
	// filter.
	writeDoc(t, c, index.SideOriginal, "a.xml", "zzz換上全新的字句zzz")
	require.NoError(t, store.BuildOrUpdate(context.Background(), index.BuildOptions{}))

	groups, err = searcher.SearchAll(context.Background(), "全新的字句", bothSides())
	require.NoError(t, err)
	require.Len(t, groups, 1, "content added by the rebuild must be found")

	groups, err = searcher.SearchAll(context.Background(), "舊時的", bothSides())
	require.NoError(t, err)
	assert.Empty(t, groups, "replaced content must no longer match")
}

// TestSearchEquivalentToBruteForce is the differential property: bloom
// pruning must never change final results, only performance.
func TestSearchEquivalentToBruteForce(t *testing.T) {
	c := testCorpus(t)
	bodies := map[string][2]string{
		"s1.xml": {"如是我聞一時佛在舍衛國祇樹給孤獨園", "thus have i heard at one time"},
		"s2.xml": {"爾時世尊告諸比丘汝等當知", "at that time the bhagavat told the bhiksus"},
		"s3.xml": {"一時佛告舍利弗", ""},
		"s4.xml": {"", "the buddha addressed sariputra at one time"},
	}
	for rel, sides := range bodies {
		if sides[0] != "" {
			writeDoc(t, c, index.SideOriginal, rel, sides[0])
		}
		if sides[1] != "" {
			writeDoc(t, c, index.SideTranslated, rel, sides[1])
		}
	}
	searcher := buildAndSearch(t, c)

	queries := []string{"一", "佛", "一時", "一時佛", "舍利弗", "比丘", "at one time", "the b", "絕對不存在的字串", "z"}
	for _, q := range queries {
		groups, err := searcher.SearchAll(context.Background(), q, bothSides())
		require.NoError(t, err)
		got := make(map[string]index.SideMask)
		for _, g := range groups {
			mask := index.SideMask(0)
			if len(g.Original) > 0 {
				mask |= index.MaskOriginal
			}
			if len(g.Translated) > 0 {
				mask |= index.MaskTranslated
			}
			got[g.RelPath] = mask
		}
		assert.Equal(t, bruteForce(t, c, q), got, "query %q", q)
	}
}

// bruteForce scans every document side with the verifier only, no pruning.
func bruteForce(t *testing.T, c index.Corpus, query string) map[string]index.SideMask {
	t.Helper()
	out := make(map[string]index.SideMask)
	for _, side := range []index.Side{index.SideOriginal, index.SideTranslated} {
		dir := c.SideDir(side)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			text, err := normalize.FileText(filepath.Join(dir, de.Name()))
			if err != nil {
				continue
			}
			if len(FindHits(text, query, 5)) > 0 {
				out[de.Name()] |= side.Mask()
			}
		}
	}
	return out
}
