package search

import (
	"unicode"

	"github.com/tei-tools/bitext-search/internal/normalize"
)

// Hit is one verified occurrence of the query in a document side's normalized
// text. Index is the rune position; Left and Right are the context window
// clamped to the text bounds.
type Hit struct {
	Index int
	Left  string
	Match string
	Right string
}

// VerifyFile re-extracts the searchable text of the document at absPath,
// exactly as the builder did, and returns every verified occurrence of query.
// A missing or unreadable file yields zero hits: a document that disappeared
// between build and search is silently skipped, not an error.
func VerifyFile(absPath, query string, contextWidth int) ([]Hit, error) {
	text, err := normalize.FileText(absPath)
	if err != nil {
		return nil, nil
	}
	return FindHits(text, query, contextWidth), nil
}

// FindHits scans text for case-insensitive occurrences of query. Overlapping
// matches are excluded: the next scan position is the end of the previous
// match, or one past its start if that would not advance.
func FindHits(text, query string, contextWidth int) []Hit {
	tr := []rune(text)
	qr := []rune(query)
	if len(qr) == 0 || len(tr) < len(qr) {
		return nil
	}
	tl := make([]rune, len(tr))
	for i, r := range tr {
		tl[i] = unicode.ToLower(r)
	}
	ql := make([]rune, len(qr))
	for i, r := range qr {
		ql[i] = unicode.ToLower(r)
	}

	var hits []Hit
	for pos := 0; pos+len(ql) <= len(tl); {
		i := indexRunes(tl, ql, pos)
		if i < 0 {
			break
		}
		end := i + len(ql)
		left := i - contextWidth
		if left < 0 {
			left = 0
		}
		right := end + contextWidth
		if right > len(tr) {
			right = len(tr)
		}
		hits = append(hits, Hit{
			Index: i,
			Left:  string(tr[left:i]),
			Match: string(tr[i:end]),
			Right: string(tr[end:right]),
		})
		next := end
		if next <= i {
			next = i + 1
		}
		pos = next
	}
	return hits
}

// indexRunes returns the first occurrence of needle in haystack at or after
// from, or -1.
func indexRunes(haystack, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(haystack); i++ {
		if haystack[i] != needle[0] {
			continue
		}
		match := true
		for j := 1; j < len(needle); j++ {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
