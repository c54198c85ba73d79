// Package bloom implements the per-document gram filters backing candidate
// selection. Every filter has the same fixed size, which is what makes the
// blob file block-addressable by plain offset arithmetic.
package bloom

import (
	"encoding/binary"
	"strings"
)

// FilterBits and HashCount are part of the on-disk format fingerprint.
// Changing either requires bumping index.BuildGUID, otherwise a stale blob
// would be read with the wrong geometry.
const (
	FilterBits  = 1 << 16
	HashCount   = 4
	FilterBytes = FilterBits / 8

	filterWords = FilterBits / 64
)

// Filter is a fixed-size bloom filter over the 2- and 3-rune grams of one
// document side's normalized text. The zero value is the empty filter.
type Filter [filterWords]uint64

// Add inserts gram into the filter.
func (f *Filter) Add(gram string) {
	h1, h2 := hashPair(gram)
	for i := uint32(0); i < HashCount; i++ {
		bit := bitPosition(h1, h2, i)
		f[bit/64] |= 1 << (bit % 64)
	}
}

// MightContain reports whether gram may have been added. False means
// definitely absent; true may be a false positive.
func (f *Filter) MightContain(gram string) bool {
	h1, h2 := hashPair(gram)
	for i := uint32(0); i < HashCount; i++ {
		bit := bitPosition(h1, h2, i)
		if f[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// AddText inserts every contiguous 2-gram and 3-gram of text. Both gram sizes
// go into the same filter: length-2 queries test a single 2-gram, longer
// queries test sliding 3-grams, and neither needs a second filter.
//
// Text is case-folded before gram extraction. The verifier matches
// case-insensitively, so the filters must be fold-insensitive too or a
// mixed-case document would produce false negatives. Query grams go through
// QueryGrams, which applies the same fold.
func (f *Filter) AddText(text string) {
	runes := []rune(strings.ToLower(text))
	for i := 0; i+2 <= len(runes); i++ {
		f.Add(string(runes[i : i+2]))
	}
	for i := 0; i+3 <= len(runes); i++ {
		f.Add(string(runes[i : i+3]))
	}
}

// BuildFromText returns a filter populated with all 2- and 3-grams of text.
func BuildFromText(text string) *Filter {
	var f Filter
	f.AddText(text)
	return &f
}

// AppendBytes appends the filter's on-disk form, FilterBytes bytes of
// little-endian 64-bit words, to buf.
func (f *Filter) AppendBytes(buf []byte) []byte {
	for _, w := range f {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

// FromBytes decodes a filter block previously produced by AppendBytes. The
// input must be exactly FilterBytes long.
func FromBytes(block []byte) (*Filter, bool) {
	if len(block) != FilterBytes {
		return nil, false
	}
	var f Filter
	for i := range f {
		f[i] = binary.LittleEndian.Uint64(block[i*8:])
	}
	return &f, true
}

// QueryGrams returns the grams a query must test against a filter: nil for
// queries shorter than 2 runes (bloom pruning is unsafe there and must be
// bypassed), the single 2-gram for length-2 queries, and every sliding 3-gram
// window otherwise. The same case fold as AddText is applied.
func QueryGrams(query string) []string {
	runes := []rune(strings.ToLower(query))
	switch {
	case len(runes) < 2:
		return nil
	case len(runes) == 2:
		return []string{string(runes)}
	default:
		grams := make([]string, 0, len(runes)-2)
		for i := 0; i+3 <= len(runes); i++ {
			grams = append(grams, string(runes[i:i+3]))
		}
		return grams
	}
}

// hashPair computes two independent 32-bit hashes of gram by running the same
// mixing hash under two seeds.
func hashPair(gram string) (uint32, uint32) {
	return mix32(gram, 0x9e3779b9), mix32(gram, 0x85ebca6b)
}

// mix32 is an FNV-style multiply-xor hash with a final avalanche, seeded so
// two runs give independent streams.
func mix32(s string, seed uint32) uint32 {
	h := 2166136261 ^ seed
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	h ^= h >> 13
	h *= 0x5bd1e995
	h ^= h >> 15
	return h
}

// bitPosition derives the i-th probe position by combining the two hashes
// with a per-index multiplier (classic double hashing).
func bitPosition(h1, h2, i uint32) uint32 {
	return (h1 + (i+1)*h2) % FilterBits
}
