// Package dicomedit applies attribute edits to instance datasets.
package dicomedit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Segment is one step of a tag path. Item selects the sequence item to
// descend into and is ignored on the last segment.
type Segment struct {
	Tag  tag.Tag
	Item int
}

// TagPath addresses an attribute, possibly nested inside sequences
type TagPath struct {
	Segments []Segment
}

// ParseTagPath parses paths such as "(0010,0020)", "00100020", "PatientID"
// or "(0040,0275)[0]/(0040,0009)"
func ParseTagPath(s string) (TagPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TagPath{}, archiveerr.Validation("tag_path", "must not be empty")
	}
	var p TagPath
	for _, part := range strings.Split(s, "/") {
		seg, err := parseSegment(strings.TrimSpace(part))
		if err != nil {
			return TagPath{}, archiveerr.Validation("tag_path", "%q: %v", s, err)
		}
		p.Segments = append(p.Segments, seg)
	}
	return p, nil
}

// MustParseTagPath is ParseTagPath for paths known to be valid
func MustParseTagPath(s string) TagPath {
	p, err := ParseTagPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PathOf is the single-segment path of t
func PathOf(t tag.Tag) TagPath {
	return TagPath{Segments: []Segment{{Tag: t}}}
}

func parseSegment(s string) (Segment, error) {
	var seg Segment
	if open := strings.IndexByte(s, '['); open >= 0 {
		if !strings.HasSuffix(s, "]") {
			return seg, fmt.Errorf("unterminated item index in %q", s)
		}
		n, err := strconv.Atoi(s[open+1 : len(s)-1])
		if err != nil || n < 0 {
			return seg, fmt.Errorf("invalid item index in %q", s)
		}
		seg.Item = n
		s = s[:open]
	}

	hex := s
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		hex = strings.ReplaceAll(s[1:len(s)-1], ",", "")
	}
	if len(hex) == 8 {
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			seg.Tag = tag.Tag{Group: uint16(v >> 16), Element: uint16(v)}
			return seg, nil
		}
	}
	info, err := tag.FindByName(s)
	if err != nil {
		return seg, fmt.Errorf("unknown tag %q", s)
	}
	seg.Tag = info.Tag
	return seg, nil
}

// Leaf is the attribute the path ends at
func (p TagPath) Leaf() tag.Tag {
	return p.Segments[len(p.Segments)-1].Tag
}

// Top is the top-level attribute of the path
func (p TagPath) Top() tag.Tag {
	return p.Segments[0].Tag
}

// Nested reports whether the path descends into a sequence
func (p TagPath) Nested() bool {
	return len(p.Segments) > 1
}

// Is reports whether p is exactly the top-level attribute t
func (p TagPath) Is(t tag.Tag) bool {
	return !p.Nested() && p.Leaf() == t
}

// String renders the canonical form of the path
func (p TagPath) String() string {
	parts := make([]string, len(p.Segments))
	for i, seg := range p.Segments {
		parts[i] = fmt.Sprintf("(%04X,%04X)", seg.Tag.Group, seg.Tag.Element)
		if i < len(p.Segments)-1 {
			parts[i] += fmt.Sprintf("[%d]", seg.Item)
		}
	}
	return strings.Join(parts, "/")
}
