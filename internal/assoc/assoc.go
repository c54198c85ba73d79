// Package assoc ranks characters and short n-grams that co-occur with a
// query inside its verified hit windows.
//
// All statistics are computed from the hit windows alone; no corpus-wide
// frequency table exists. The PMI-, logDice-, and t-score-style metrics are
// therefore surrogates of the real association measures, not the measures
// themselves, and are named accordingly.
package assoc

import (
	"math"
	"sort"
	"strings"

	"github.com/tei-tools/bitext-search/internal/normalize"
	"github.com/tei-tools/bitext-search/internal/search"
)

// Metric selects how keys are ranked. Only the selected metric is computed.
type Metric string

const (
	MetricFrequency  Metric = "frequency"
	MetricRange      Metric = "range"
	MetricDispersion Metric = "dispersion"
	MetricDominance  Metric = "dominance"
	MetricPMILike    Metric = "pmi"
	MetricLogDice    Metric = "logdice"
	MetricTScore     Metric = "tscore"
)

// Row is one ranked key: a single character or a 2-/3-rune window.
type Row struct {
	Key       string
	Frequency int
	Range     int
	Score     float64
}

// ZipfEntry is one line of the informational top-frequency listing.
type ZipfEntry struct {
	Rank      int
	Key       string
	Frequency int
}

// DominanceEntry highlights a key concentrated in a single document.
type DominanceEntry struct {
	Key       string
	Frequency int
	TopDoc    string
	Share     float64
}

// Result holds the rankings for one ComputeAssociations call.
type Result struct {
	Metric       Metric
	TotalWindows int
	Chars        []Row
	Grams        []Row
	ZipfTop      []ZipfEntry
	Dominance    []DominanceEntry
}

type keyStats struct {
	freq   int
	perDoc map[string]int
}

type accumulator struct {
	stats  map[string]*keyStats
	tokens int
}

func newAccumulator() *accumulator {
	return &accumulator{stats: make(map[string]*keyStats)}
}

func (a *accumulator) add(key, docID string) {
	ks, ok := a.stats[key]
	if !ok {
		ks = &keyStats{perDoc: make(map[string]int)}
		a.stats[key] = ks
	}
	ks.freq++
	ks.perDoc[docID]++
	a.tokens++
}

// ComputeAssociations accumulates every hit window of the result groups and
// returns the topK single characters and 2-/3-rune windows ranked by the
// selected metric, plus the informational Zipf and dominance listings.
//
// The query's own key is never ranked: every window contains the match by
// construction, so counting it only restates the search. The context width is
// already baked into the hit windows and is accepted for call-shape parity
// only.
func ComputeAssociations(groups []search.ResultGroup, query string, _ int, metric Metric, topK int) Result {
	chars := newAccumulator()
	grams := newAccumulator()
	foldedQuery := strings.ToLower(query)
	windows := 0

	for _, g := range groups {
		for _, hits := range [][]search.Hit{g.Original, g.Translated} {
			for _, h := range hits {
				window := normalize.CollapseSpaces(h.Left + h.Match + h.Right)
				if window == "" {
					continue
				}
				windows++
				accumulateWindow(window, g.RelPath, foldedQuery, chars, grams)
			}
		}
	}

	if topK <= 0 {
		topK = 20
	}
	return Result{
		Metric:       metric,
		TotalWindows: windows,
		Chars:        rank(chars, metric, windows, topK),
		Grams:        rank(grams, metric, windows, topK),
		ZipfTop:      zipfTop(grams, topK),
		Dominance:    dominanceHighlights(grams, topK),
	}
}

// accumulateWindow walks the window once with a rolling 3-rune buffer,
// counting non-whitespace characters and the contiguous 2-/3-rune windows
// within each non-space run. Keys whose case fold equals the query are
// skipped.
func accumulateWindow(window, docID, foldedQuery string, chars, grams *accumulator) {
	var buf [3]rune
	filled := 0
	add := func(a *accumulator, key string) {
		if strings.ToLower(key) == foldedQuery {
			return
		}
		a.add(key, docID)
	}
	for _, r := range window {
		if r == ' ' {
			filled = 0
			continue
		}
		buf[0], buf[1], buf[2] = buf[1], buf[2], r
		if filled < 3 {
			filled++
		}
		add(chars, string(r))
		if filled >= 2 {
			add(grams, string(buf[1:3]))
		}
		if filled >= 3 {
			add(grams, string(buf[0:3]))
		}
	}
}

func rank(a *accumulator, metric Metric, windows, topK int) []Row {
	rows := make([]Row, 0, len(a.stats))
	for key, ks := range a.stats {
		rows = append(rows, Row{
			Key:       key,
			Frequency: ks.freq,
			Range:     len(ks.perDoc),
			Score:     score(metric, ks, windows, a.tokens, len(a.stats)),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		if rows[i].Frequency != rows[j].Frequency {
			return rows[i].Frequency > rows[j].Frequency
		}
		return rows[i].Key < rows[j].Key
	})
	if len(rows) > topK {
		rows = rows[:topK]
	}
	return rows
}

// score computes the selected metric from window-level counts only.
// windows = total hit windows, tokens = total key occurrences of this arity
// class, distinct = number of distinct keys of this class.
func score(metric Metric, ks *keyStats, windows, tokens, distinct int) float64 {
	f := float64(ks.freq)
	switch metric {
	case MetricRange:
		return float64(len(ks.perDoc))
	case MetricDispersion:
		return f / math.Sqrt(1+float64(windows)) * math.Log(1+float64(len(ks.perDoc)))
	case MetricDominance:
		return topDocShare(ks)
	case MetricPMILike:
		// Observed frequency against a uniform-across-keys expectation.
		if tokens == 0 || distinct == 0 {
			return 0
		}
		return math.Log2(f * float64(distinct) / float64(tokens))
	case MetricLogDice:
		// logDice with f(query) taken as the window count, since the query
		// occurs once per window by construction.
		return 14 + math.Log2(2*f/(f+float64(windows)))
	case MetricTScore:
		// t = (O - E) / sqrt(O) with E = f * windows / tokens.
		if tokens == 0 {
			return 0
		}
		expected := f * float64(windows) / float64(tokens)
		return (f - expected) / math.Sqrt(f)
	default:
		return f
	}
}

func topDocShare(ks *keyStats) float64 {
	if ks.freq == 0 {
		return 0
	}
	max := 0
	for _, n := range ks.perDoc {
		if n > max {
			max = n
		}
	}
	return float64(max) / float64(ks.freq)
}

func topDoc(ks *keyStats) string {
	best, bestN := "", -1
	for doc, n := range ks.perDoc {
		if n > bestN || (n == bestN && doc < best) {
			best, bestN = doc, n
		}
	}
	return best
}

// zipfTop lists the most frequent grams by raw frequency, rank-numbered.
func zipfTop(a *accumulator, topK int) []ZipfEntry {
	keys := make([]string, 0, len(a.stats))
	for k := range a.stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		fi, fj := a.stats[keys[i]].freq, a.stats[keys[j]].freq
		if fi != fj {
			return fi > fj
		}
		return keys[i] < keys[j]
	})
	if len(keys) > topK {
		keys = keys[:topK]
	}
	out := make([]ZipfEntry, len(keys))
	for i, k := range keys {
		out[i] = ZipfEntry{Rank: i + 1, Key: k, Frequency: a.stats[k].freq}
	}
	return out
}

// dominanceHighlights lists grams whose occurrences concentrate in a single
// document.
func dominanceHighlights(a *accumulator, topK int) []DominanceEntry {
	const (
		minFrequency = 3
		minShare     = 0.8
	)
	var out []DominanceEntry
	for key, ks := range a.stats {
		if ks.freq < minFrequency {
			continue
		}
		share := topDocShare(ks)
		if share < minShare {
			continue
		}
		out = append(out, DominanceEntry{
			Key:       key,
			Frequency: ks.freq,
			TopDoc:    topDoc(ks),
			Share:     share,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Share != out[j].Share {
			return out[i].Share > out[j].Share
		}
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
