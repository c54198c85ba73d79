// Package search implements the two-phase query pipeline: approximate bloom
// pruning over the manifest, then exact parallel verification of the
// surviving candidates.
package search

import (
	"context"

	"github.com/tei-tools/bitext-search/internal/bloom"
	"github.com/tei-tools/bitext-search/internal/index"
	"golang.org/x/sync/errgroup"
)

// CandidateSet maps a document's relative path to the sides that survived
// bloom pruning. It can only over-approximate the true result set, never
// under-approximate it.
type CandidateSet map[string]index.SideMask

// SelectCandidates streams the snapshot's manifest entries through their
// bloom filters. Queries shorter than two runes cannot be gram-tested safely,
// so every entry of the requested sides becomes a candidate; length-2 queries
// test their single 2-gram; longer queries require every sliding 3-gram
// window to pass.
//
// Entries are partitioned across workers, each producing a local candidate
// map, merged at the join; there is no shared mutable state in flight.
func SelectCandidates(ctx context.Context, snap index.Snapshot, cache *index.Cache, query string, sides index.SideMask, parallelism int) (CandidateSet, error) {
	grams := bloom.QueryGrams(query)
	if grams == nil {
		// Bloom bypass: correctness over speed for the shortest queries.
		out := make(CandidateSet)
		for _, e := range snap.Manifest.Entries {
			if sides.Has(e.Side) {
				out[e.RelPath] |= e.Side.Mask()
			}
		}
		return out, nil
	}

	if parallelism < 1 {
		parallelism = 1
	}
	partitions := partitionEntries(snap.Manifest.Entries, parallelism)
	locals := make([]CandidateSet, len(partitions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, part := range partitions {
		i, part := i, part
		g.Go(func() error {
			local := make(CandidateSet)
			for _, e := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !sides.Has(e.Side) {
					continue
				}
				ok, err := testEntry(snap, cache, e, grams)
				if err != nil {
					return err
				}
				if ok {
					local[e.RelPath] |= e.Side.Mask()
				}
			}
			locals[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(CandidateSet)
	for _, local := range locals {
		for rel, mask := range local {
			out[rel] |= mask
		}
	}
	return out, nil
}

// testEntry reports whether every query gram might be contained in the
// entry's filter block.
func testEntry(snap index.Snapshot, cache *index.Cache, e index.Entry, grams []string) (bool, error) {
	f, err := cache.Block(snap.Blob, e.BloomOffset, snap.Gen)
	if err != nil {
		return false, err
	}
	for _, g := range grams {
		if !f.MightContain(g) {
			return false, nil
		}
	}
	return true, nil
}

// partitionEntries splits entries into at most n contiguous chunks.
func partitionEntries(entries []index.Entry, n int) [][]index.Entry {
	if len(entries) == 0 {
		return nil
	}
	if n > len(entries) {
		n = len(entries)
	}
	chunk := (len(entries) + n - 1) / n
	parts := make([][]index.Entry, 0, n)
	for start := 0; start < len(entries); start += chunk {
		end := start + chunk
		if end > len(entries) {
			end = len(entries)
		}
		parts = append(parts, entries[start:end])
	}
	return parts
}
