package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the two levels of the segment hierarchy.
type Kind string

const (
	// KindParent is a large-grain segment preserving local context.
	KindParent Kind = "parent"
	// KindChild is a fixed window within a parent; the unit of vector search.
	KindChild Kind = "child"
)

// Metadata carries the structural position of a segment inside the book.
// Children inherit their parent's metadata unchanged.
type Metadata struct {
	ItemID       string `json:"item_id,omitempty"`
	ItemLabel    string `json:"item_label,omitempty"`
	ChapterID    string `json:"chapter_id,omitempty"`
	ChapterLabel string `json:"chapter_label,omitempty"`
	SectionID    string `json:"section_id,omitempty"`
	SectionLabel string `json:"section_label,omitempty"`
}

// Label returns the most specific human-readable structural label, or "".
func (m Metadata) Label() string {
	switch {
	case m.ItemLabel != "":
		return m.ItemLabel
	case m.ChapterLabel != "":
		return m.ChapterLabel
	case m.SectionLabel != "":
		return m.SectionLabel
	default:
		return ""
	}
}

// Segment is a contiguous text span from the source document.
// Segments are immutable once created by the chunker.
type Segment struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Text        string   `json:"text"`
	ParentID    string   `json:"parent_id,omitempty"`
	ParentIndex int      `json:"parent_index"`
	ChildIndex  int      `json:"child_index,omitempty"`
	Meta        Metadata `json:"meta"`
}

// Key returns a stable identity for the segment, used for fusion bookkeeping.
func (s Segment) Key() string {
	if s.Kind == KindChild {
		return fmt.Sprintf("%s#%d", s.ParentID, s.ChildIndex)
	}
	return s.ID
}

// Structural heading patterns. The secondary-language forms cover the
// book's Chinese translation, whose headings follow 第N条/章/节.
var (
	itemPattern    = regexp.MustCompile(`(?i)\bitem\s+(\d+)`)
	chapterPattern = regexp.MustCompile(`(?i)\bchapter\s+(\d+)`)
	sectionPattern = regexp.MustCompile(`(?i)\bsection\s+(\d+)`)

	itemPatternZh    = regexp.MustCompile(`第\s*(\d+)\s*条`)
	chapterPatternZh = regexp.MustCompile(`第\s*(\d+)\s*章`)
	sectionPatternZh = regexp.MustCompile(`第\s*(\d+)\s*节`)
)

// ScanStructure extracts the first Item/Chapter/Section heading of each kind
// from the text, in either the primary or the secondary language.
func ScanStructure(text string) Metadata {
	var meta Metadata

	meta.ItemID, meta.ItemLabel = firstMatch(text, itemPattern, itemPatternZh)
	meta.ChapterID, meta.ChapterLabel = firstMatch(text, chapterPattern, chapterPatternZh)
	meta.SectionID, meta.SectionLabel = firstMatch(text, sectionPattern, sectionPatternZh)

	return meta
}

// firstMatch returns the digits and full label of the earliest match of any
// of the given patterns.
func firstMatch(text string, patterns ...*regexp.Regexp) (id, label string) {
	best := -1
	for _, p := range patterns {
		loc := p.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		if best == -1 || loc[0] < best {
			best = loc[0]
			label = strings.TrimSpace(text[loc[0]:loc[1]])
			id = text[loc[2]:loc[3]]
		}
	}
	return id, label
}
