// Package chunker splits document text into a flat, start_char-ordered
// sequence of text units with exact character offsets.
package chunker

import (
	"math"
	"regexp"
	"strings"
)

// Config controls the chunking behaviour.
type Config struct {
	MaxTokens int // Maximum estimated tokens per text unit.
	Overlap   int // Token overlap between consecutive text units.
	MinTokens int // Trailing units below this are merged backward.
}

// Chunker converts raw document text into TextUnit drafts.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration. Zero-value
// fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 500
	}
	if cfg.MinTokens == 0 {
		cfg.MinTokens = 100
	}
	return &Chunker{cfg: cfg}
}

// TextUnit is a draft text unit prior to database insertion: a
// contiguous slice of the original document text with its exact
// byte-offset bounds, so Text == doc[StartChar:EndChar] always holds.
type TextUnit struct {
	Text       string
	Heading    string
	StartChar  int
	EndChar    int
	TokenCount int
}

var headingLine = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// Chunk splits doc into an ordered sequence of text units. Units may
// overlap in offset space by the configured overlap so topical
// continuity carries across boundaries; concatenating units in
// start_char order and removing the overlapping regions reproduces
// doc exactly, since every unit's text is a direct slice of doc.
func (c *Chunker) Chunk(doc string) []TextUnit {
	if strings.TrimSpace(doc) == "" {
		return nil
	}

	headings := collectHeadings(doc)
	paragraphs := splitParagraphSpans(doc)

	var units []TextUnit
	winStart := -1
	winEnd := 0
	winTokens := 0

	flush := func() {
		if winStart < 0 || winEnd <= winStart {
			return
		}
		text := doc[winStart:winEnd]
		units = append(units, TextUnit{
			Text:       text,
			Heading:    nearestHeading(headings, winStart),
			StartChar:  winStart,
			EndChar:    winEnd,
			TokenCount: estimateTokens(text),
		})
	}

	queue := make([]span, len(paragraphs))
	copy(queue, paragraphs)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		text := doc[p.start:p.end]
		pt := estimateTokens(text)

		if pt > c.cfg.MaxTokens {
			flush()
			winStart, winEnd, winTokens = -1, 0, 0
			sentences := splitSentenceSpans(doc, p.start, p.end)
			queue = append(append([]span{}, sentences...), queue...)
			continue
		}

		if winTokens > 0 && winTokens+pt > c.cfg.MaxTokens {
			flush()
			overlapStart := backtrackOverlap(doc, winStart, winEnd, c.cfg.Overlap)
			winTokens = estimateTokens(doc[overlapStart:winEnd])
			if winTokens+pt > c.cfg.MaxTokens {
				overlapStart, winTokens = winEnd, 0
			}
			winStart = overlapStart
			winEnd = overlapStart
		}

		if winStart < 0 {
			// Continue from the previous unit's end so the whitespace
			// between units stays inside some unit's offset range.
			winStart = p.start
			if len(units) > 0 {
				winStart = units[len(units)-1].EndChar
			}
		}
		winEnd = p.end
		winTokens += pt
	}
	flush()

	return mergeSmallTrailing(doc, units, c.cfg.MinTokens)
}

type span struct{ start, end int }

// splitParagraphSpans returns the character spans of blank-line
// separated paragraphs, in document order, skipping whitespace-only gaps.
func splitParagraphSpans(doc string) []span {
	var spans []span
	start := 0
	n := len(doc)
	i := 0
	for i < n {
		if doc[i] == '\n' && i+1 < n && isBlankLineAt(doc, i+1) {
			if trimmed := strings.TrimSpace(doc[start:i]); trimmed != "" {
				s, e := trimSpan(doc, start, i)
				spans = append(spans, span{s, e})
			}
			j := i + 1
			for j < n && (doc[j] == '\n' || doc[j] == '\r' || doc[j] == ' ' || doc[j] == '\t') {
				j++
			}
			start = j
			i = j
			continue
		}
		i++
	}
	if trimmed := strings.TrimSpace(doc[start:]); trimmed != "" {
		s, e := trimSpan(doc, start, n)
		spans = append(spans, span{s, e})
	}
	return spans
}

func isBlankLineAt(doc string, i int) bool {
	j := i
	for j < len(doc) && doc[j] != '\n' {
		if doc[j] != ' ' && doc[j] != '\t' && doc[j] != '\r' {
			return false
		}
		j++
	}
	return true
}

// trimSpan narrows [start,end) to exclude leading/trailing whitespace
// while preserving exact offsets into doc.
func trimSpan(doc string, start, end int) (int, int) {
	for start < end && isSpaceByte(doc[start]) {
		start++
	}
	for end > start && isSpaceByte(doc[end-1]) {
		end--
	}
	return start, end
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// splitSentenceSpans splits doc[from:to] into sentence-level spans at
// period/question/exclamation boundaries followed by whitespace.
func splitSentenceSpans(doc string, from, to int) []span {
	var spans []span
	start := from
	i := from
	for i < to {
		if doc[i] == '.' || doc[i] == '?' || doc[i] == '!' {
			if i+1 >= to || doc[i+1] == ' ' || doc[i+1] == '\n' || doc[i+1] == '\t' {
				s, e := trimSpan(doc, start, i+1)
				if e > s {
					spans = append(spans, span{s, e})
				}
				start = i + 1
			}
		}
		i++
	}
	if s, e := trimSpan(doc, start, to); e > s {
		spans = append(spans, span{s, e})
	}
	if len(spans) == 0 {
		return []span{{from, to}}
	}
	return spans
}

// backtrackOverlap returns an offset within [winStart, winEnd) such
// that doc[offset:winEnd] contains approximately overlapTokens tokens,
// snapped to a word boundary.
func backtrackOverlap(doc string, winStart, winEnd, overlapTokens int) int {
	if overlapTokens <= 0 || winEnd <= winStart {
		return winEnd
	}
	maxWords := int(float64(overlapTokens) / 1.3)
	if maxWords <= 0 {
		return winEnd
	}

	i := winEnd
	words := 0
	inWord := false
	for i > winStart {
		i--
		isSpace := isSpaceByte(doc[i])
		if !isSpace && !inWord {
			inWord = true
		} else if isSpace && inWord {
			words++
			inWord = false
			if words >= maxWords {
				j := i
				for j < winEnd && isSpaceByte(doc[j]) {
					j++
				}
				return j
			}
		}
	}
	return winStart
}

type headingMark struct {
	offset int
	text   string
}

func collectHeadings(doc string) []headingMark {
	var marks []headingMark
	for _, m := range headingLine.FindAllStringSubmatchIndex(doc, -1) {
		text := strings.TrimSpace(doc[m[4]:m[5]])
		marks = append(marks, headingMark{offset: m[0], text: text})
	}
	return marks
}

func nearestHeading(headings []headingMark, offset int) string {
	best := ""
	for _, h := range headings {
		if h.offset <= offset {
			best = h.text
		} else {
			break
		}
	}
	return best
}

// mergeSmallTrailing merges a trailing unit with fewer than minTokens
// tokens into its predecessor, so short end-of-document fragments
// don't become noise-dominated retrieval candidates.
func mergeSmallTrailing(doc string, units []TextUnit, minTokens int) []TextUnit {
	if len(units) < 2 {
		return units
	}
	last := units[len(units)-1]
	if last.TokenCount >= minTokens {
		return units
	}
	prev := units[len(units)-2]
	mergedText := doc[prev.StartChar:last.EndChar]
	merged := TextUnit{
		Text:       mergedText,
		Heading:    prev.Heading,
		StartChar:  prev.StartChar,
		EndChar:    last.EndChar,
		TokenCount: estimateTokens(mergedText),
	}
	out := make([]TextUnit, len(units)-2, len(units)-1)
	copy(out, units[:len(units)-2])
	return append(out, merged)
}

// estimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// EstimateTokens is the exported form of estimateTokens, used outside
// this package wherever a deterministic token count is needed for a
// budget (e.g. context assembly) without pulling in a tokenizer model.
func EstimateTokens(text string) int {
	return estimateTokens(text)
}
