package chunker

import (
	"strings"
	"testing"
)

func TestChunkReproducesOriginalText(t *testing.T) {
	doc := strings.Repeat("word ", 5) + "\n\n" +
		"# Heading One\n\n" +
		strings.Repeat("alpha beta gamma delta. ", 80) + "\n\n" +
		"## Heading Two\n\n" +
		strings.Repeat("epsilon zeta eta theta. ", 80)

	c := New(Config{MaxTokens: 64, Overlap: 16, MinTokens: 4})
	units := c.Chunk(doc)

	if len(units) == 0 {
		t.Fatal("expected at least one text unit")
	}

	for i, u := range units {
		if doc[u.StartChar:u.EndChar] != u.Text {
			t.Errorf("unit %d: Text does not match doc[StartChar:EndChar]", i)
		}
		if i > 0 && units[i-1].EndChar > u.EndChar {
			t.Errorf("unit %d: EndChar not monotonically non-decreasing", i)
		}
		if i > 0 && u.StartChar > units[i-1].EndChar {
			t.Errorf("unit %d: gap between units at offset %d (prev ended at %d)", i, u.StartChar, units[i-1].EndChar)
		}
	}

	// Removing overlaps (clamping each unit's start to the previous
	// unit's end) and concatenating must reproduce the original text.
	var rebuilt strings.Builder
	cursor := 0
	for _, u := range units {
		start := u.StartChar
		if start < cursor {
			start = cursor
		}
		if start < u.EndChar {
			rebuilt.WriteString(doc[start:u.EndChar])
		}
		cursor = u.EndChar
	}
	if rebuilt.String() != doc[units[0].StartChar:units[len(units)-1].EndChar] {
		t.Errorf("de-overlapped concatenation does not reproduce original span")
	}
}

func TestChunkHeadingAssignment(t *testing.T) {
	doc := "# Intro\n\nSome intro text here that is long enough to form a unit.\n\n# Details\n\nMore detailed text follows in this section for testing."
	// MaxTokens lets "# Details" still join the first unit but not the
	// paragraph after it; the one-word overlap then starts the second
	// unit inside the "# Details" heading line.
	c := New(Config{MaxTokens: 24, Overlap: 2, MinTokens: 1})
	units := c.Chunk(doc)

	if len(units) < 2 {
		t.Fatalf("expected at least 2 units, got %d", len(units))
	}
	foundIntro, foundDetails := false, false
	for _, u := range units {
		if u.Heading == "Intro" {
			foundIntro = true
		}
		if u.Heading == "Details" {
			foundDetails = true
		}
	}
	if !foundIntro || !foundDetails {
		t.Errorf("expected both headings assigned, got intro=%v details=%v", foundIntro, foundDetails)
	}
}

func TestChunkEmptyDocument(t *testing.T) {
	c := New(Config{})
	if units := c.Chunk("   \n\n  "); units != nil {
		t.Errorf("expected nil units for blank document, got %v", units)
	}
}

func TestChunkSplitsOversizedParagraph(t *testing.T) {
	doc := strings.Repeat("This is one long sentence without paragraph breaks. ", 100)
	c := New(Config{MaxTokens: 32, Overlap: 8, MinTokens: 1})
	units := c.Chunk(doc)

	if len(units) < 2 {
		t.Fatalf("expected the oversized paragraph to split into multiple units, got %d", len(units))
	}
	for _, u := range units {
		if u.TokenCount > 64 { // generous slack over MaxTokens for sentence granularity
			t.Errorf("unit token count %d far exceeds MaxTokens", u.TokenCount)
		}
	}
}
