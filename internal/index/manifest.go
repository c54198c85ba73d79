// Package index implements the durable two-file search index: a JSON manifest
// describing one generation plus a binary blob of fixed-size bloom filter
// blocks. A generation is immutable once published; the only mutation is a
// whole-pair atomic replace.
package index

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tei-tools/bitext-search/internal/bloom"
)

const (
	// Version is bumped whenever the manifest schema changes shape.
	Version = 3

	// BuildGUID fingerprints the full on-disk format: gram sizes, filter
	// geometry, and block encoding. Any change to those is a new fingerprint,
	// which invalidates existing indexes and forces a full rebuild.
	BuildGUID = "bitext-bloom/g23-65536x4-le64"

	ManifestName = "search-index.json"
	BlobName     = "search-index.blooms"
)

// Side identifies which variant of a logical document an entry refers to.
type Side int

const (
	SideOriginal Side = iota
	SideTranslated
)

func (s Side) String() string {
	if s == SideTranslated {
		return "Translated"
	}
	return "Original"
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "Original":
		*s = SideOriginal
	case "Translated":
		*s = SideTranslated
	default:
		return fmt.Errorf("unknown side %q", name)
	}
	return nil
}

// SideMask is a bitmask of sides, used for candidate sets and side selection.
type SideMask uint8

const (
	MaskOriginal SideMask = 1 << iota
	MaskTranslated

	MaskBoth = MaskOriginal | MaskTranslated
)

// Has reports whether the mask includes side.
func (m SideMask) Has(s Side) bool {
	if s == SideTranslated {
		return m&MaskTranslated != 0
	}
	return m&MaskOriginal != 0
}

// Mask returns the single-bit mask for side.
func (s Side) Mask() SideMask {
	if s == SideTranslated {
		return MaskTranslated
	}
	return MaskOriginal
}

// Entry describes one (document, side) pair and where its filter block lives
// in the blob. The block itself carries no identity; this record is the only
// link between a document and its filter.
type Entry struct {
	ID                int    `json:"id"`
	RelPath           string `json:"relPath"`
	Side              Side   `json:"side"`
	LastWriteUTCTicks int64  `json:"lastWriteUtcTicks"`
	LengthBytes       int64  `json:"lengthBytes"`
	BloomOffset       int64  `json:"bloomOffset"`
}

// Manifest is the durable record of one index generation.
type Manifest struct {
	RootPath       string    `json:"rootPath"`
	BuiltUTC       time.Time `json:"builtUtc"`
	Version        int       `json:"version"`
	BuildGUID      string    `json:"buildGuid"`
	BloomBits      int       `json:"bloomBits"`
	BloomHashCount int       `json:"bloomHashCount"`
	Entries        []Entry   `json:"entries"`
}

// NewManifest returns an empty manifest stamped with the current format
// constants for root.
func NewManifest(root string) *Manifest {
	return &Manifest{
		RootPath:       root,
		BuiltUTC:       time.Now().UTC(),
		Version:        Version,
		BuildGUID:      BuildGUID,
		BloomBits:      bloom.FilterBits,
		BloomHashCount: bloom.HashCount,
	}
}

// EntryKey is the case-insensitive identity of an entry within a generation.
func EntryKey(relPath string, side Side) string {
	return strings.ToLower(relPath) + "\x00" + side.String()
}

// Corpus describes the indexed directory pair. OriginalDir and TranslatedDir
// may be absolute or relative to Root.
type Corpus struct {
	Root          string
	OriginalDir   string
	TranslatedDir string
}

// SideDir returns the absolute directory holding the given side.
func (c Corpus) SideDir(side Side) string {
	dir := c.OriginalDir
	if side == SideTranslated {
		dir = c.TranslatedDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Root, dir)
}

// SidePath returns the absolute path of a corpus-relative document on the
// given side. relPath uses forward slashes regardless of platform.
func (c Corpus) SidePath(side Side, relPath string) string {
	return filepath.Join(c.SideDir(side), filepath.FromSlash(relPath))
}

// ManifestPath and BlobPath locate the index pair under the corpus root.
func (c Corpus) ManifestPath() string {
	return filepath.Join(c.Root, ManifestName)
}

func (c Corpus) BlobPath() string {
	return filepath.Join(c.Root, BlobName)
}
