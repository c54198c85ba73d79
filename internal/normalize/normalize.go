// Package normalize extracts the searchable body text from raw TEI documents.
//
// The extraction is a single O(n) pass: no regular expressions, no DOM. Its
// output must be byte-identical between index time and verify time; the bloom
// filters guarantee no false negatives only as long as both phases see the
// same text.
package normalize

import (
	"os"
	"strings"
	"unicode/utf8"
)

const (
	bodyOpen  = "<body"
	bodyClose = "</body"
)

// ExtractText returns the flat searchable text of a raw document: the content
// of the body region with markup tags stripped, character references decoded,
// and whitespace runs collapsed to single spaces. Documents without a body
// region normalize to the empty string.
func ExtractText(raw string) string {
	region, ok := bodyRegion(raw)
	if !ok {
		return ""
	}
	// Cheap short-circuit: most documents carry no character references at
	// all, so only pay for entity parsing when an ampersand exists.
	decodeEntities := strings.IndexByte(region, '&') >= 0

	var b strings.Builder
	b.Grow(len(region) / 2)
	insideTag := false
	pendingSpace := false
	emit := func(s string) {
		if pendingSpace {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
		}
		b.WriteString(s)
	}

	for i := 0; i < len(region); i++ {
		c := region[i]
		if insideTag {
			if c == '>' {
				insideTag = false
			}
			continue
		}
		switch c {
		case '<':
			insideTag = true
		case ' ', '\t', '\n', '\f', '\v':
			pendingSpace = true
		case '\r':
			// dropped outright, does not even count as whitespace
		case '&':
			if decodeEntities {
				if decoded, width := decodeEntity(region[i:]); width > 0 {
					emit(decoded)
					i += width - 1
					continue
				}
			}
			emit("&")
		default:
			emit(region[i : i+1])
		}
	}
	return b.String()
}

// FileText reads path and extracts its searchable text. The caller decides
// whether a read error means "skip" (verification) or "index as empty" (build).
func FileText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ExtractText(string(data)), nil
}

// CollapseSpaces collapses whitespace runs in s to single spaces and trims the
// ends. Used on KWIC windows before co-occurrence counting.
func CollapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case ' ', '\t', '\n', '\f', '\v', '\r':
			pendingSpace = true
		default:
			if pendingSpace {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				pendingSpace = false
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// bodyRegion locates the content between the body start tag and its end tag.
func bodyRegion(raw string) (string, bool) {
	start := strings.Index(raw, bodyOpen)
	if start < 0 {
		return "", false
	}
	openEnd := strings.IndexByte(raw[start:], '>')
	if openEnd < 0 {
		return "", false
	}
	contentStart := start + openEnd + 1
	end := strings.Index(raw[contentStart:], bodyClose)
	if end < 0 {
		return "", false
	}
	return raw[contentStart : contentStart+end], true
}

// decodeEntity decodes the character reference at the start of s ("&..."). It
// returns the decoded string and the number of input bytes consumed, or
// ("", 0) when s does not start with a well-formed reference.
func decodeEntity(s string) (string, int) {
	semi := strings.IndexByte(s, ';')
	if semi < 2 || semi > 12 {
		return "", 0
	}
	body := s[1:semi]
	width := semi + 1
	switch body {
	case "amp":
		return "&", width
	case "lt":
		return "<", width
	case "gt":
		return ">", width
	case "quot":
		return "\"", width
	case "apos":
		return "'", width
	}
	if body[0] != '#' {
		return "", 0
	}
	num := body[1:]
	base := 10
	if len(num) > 1 && (num[0] == 'x' || num[0] == 'X') {
		base = 16
		num = num[1:]
	}
	if num == "" {
		return "", 0
	}
	var cp int64
	for i := 0; i < len(num); i++ {
		d := digitValue(num[i], base)
		if d < 0 {
			return "", 0
		}
		cp = cp*int64(base) + int64(d)
		if cp > utf8.MaxRune {
			return "", 0
		}
	}
	r := rune(cp)
	if !utf8.ValidRune(r) {
		return "", 0
	}
	return string(r), width
}

func digitValue(c byte, base int) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case base == 16 && c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case base == 16 && c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
