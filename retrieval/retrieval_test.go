package retrieval

import (
	"strings"
	"testing"

	"github.com/brunobiangulo/graphreason/store"
)

func TestFuseRRF(t *testing.T) {
	vec := []store.RetrievalResult{
		{TextUnitID: 1, Text: "a"},
		{TextUnitID: 2, Text: "b"},
	}
	fts := []store.RetrievalResult{
		{TextUnitID: 2, Text: "b"},
		{TextUnitID: 3, Text: "c"},
	}
	graph := []store.RetrievalResult{
		{TextUnitID: 1, Text: "a"},
	}

	results, infoMap := fuseRRF(vec, fts, graph, 1.0, 1.0, 0.5, 10)

	if len(results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(results))
	}

	if info, ok := infoMap[1]; !ok || len(info.Methods) != 2 {
		t.Errorf("text unit 1 should have 2 methods (vec+graph), got %v", infoMap[1])
	}
	if info, ok := infoMap[2]; !ok || len(info.Methods) != 2 {
		t.Errorf("text unit 2 should have 2 methods (vec+fts), got %v", infoMap[2])
	}

	// Text unit 2: vec rank 1 -> 1/(60+1+1), fts rank 0 -> 1/(60+0+1)
	// Text unit 1: vec rank 0 -> 1/61, graph rank 0 -> 0.5/61
	// Text unit 3: fts rank 1 -> 1/62
	unit1Score := 1.0/61.0 + 0.5/61.0
	unit2Score := 1.0/62.0 + 1.0/61.0
	unit3Score := 1.0 / 62.0

	if results[0].TextUnitID != 2 {
		t.Errorf("expected text unit 2 first (highest score), got %d", results[0].TextUnitID)
	}
	if results[1].TextUnitID != 1 {
		t.Errorf("expected text unit 1 second, got %d", results[1].TextUnitID)
	}
	if results[2].TextUnitID != 3 {
		t.Errorf("expected text unit 3 last, got %d", results[2].TextUnitID)
	}

	const eps = 1e-9
	if diff := results[0].Score - unit2Score; diff < -eps || diff > eps {
		t.Errorf("text unit 2 score: got %f, want %f", results[0].Score, unit2Score)
	}
	if diff := results[1].Score - unit1Score; diff < -eps || diff > eps {
		t.Errorf("text unit 1 score: got %f, want %f", results[1].Score, unit1Score)
	}
	if diff := results[2].Score - unit3Score; diff < -eps || diff > eps {
		t.Errorf("text unit 3 score: got %f, want %f", results[2].Score, unit3Score)
	}
}

func TestFuseRRFMaxResults(t *testing.T) {
	vec := []store.RetrievalResult{
		{TextUnitID: 1, Text: "a"},
		{TextUnitID: 2, Text: "b"},
		{TextUnitID: 3, Text: "c"},
	}

	results, _ := fuseRRF(vec, nil, nil, 1.0, 1.0, 1.0, 2)
	if len(results) != 2 {
		t.Errorf("expected 2 results with maxResults=2, got %d", len(results))
	}
}

func TestFuseRRFEmptyInputs(t *testing.T) {
	results, _ := fuseRRF(nil, nil, nil, 1.0, 1.0, 1.0, 10)
	if len(results) != 0 {
		t.Errorf("expected 0 results for empty inputs, got %d", len(results))
	}
}

func TestFuseRRFWeightZero(t *testing.T) {
	vec := []store.RetrievalResult{{TextUnitID: 1, Text: "a"}}
	fts := []store.RetrievalResult{{TextUnitID: 2, Text: "b"}}

	results, _ := fuseRRF(vec, fts, nil, 0.0, 1.0, 0.0, 10)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].TextUnitID != 2 {
		t.Errorf("expected text unit 2 first when vec weight=0, got %d", results[0].TextUnitID)
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "plain text", input: "quality management system"},
		{name: "special characters removed", input: `"ISO 9001" + (quality) - management*`},
		{name: "colons and carets", input: "title:ISO category:standard ^boost"},
		{name: "single word", input: "compliance"},
		{name: "short words filtered", input: "a to be or not"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFTSQuery(tt.input)
			for _, ch := range []string{"*", "(", ")", "+", "^", ":"} {
				if strings.Contains(result, ch) {
					t.Errorf("sanitized query still contains %q: %s", ch, result)
				}
			}
			if tt.name == "plain text" && result == "" {
				t.Error("expected non-empty result for plain text input")
			}
		})
	}
}

func TestSanitizeFTSQueryMultiWord(t *testing.T) {
	result := sanitizeFTSQuery("ISO 9001 quality")
	if result == "" {
		t.Fatal("expected non-empty result")
	}
	if !strings.Contains(result, "OR") {
		t.Errorf("expected OR in multi-word query, got: %s", result)
	}
}

func TestExtractQueryEntities(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected []string
	}{
		{
			name:     "capitalized words",
			query:    "What does Quality Management say about Risk Assessment?",
			expected: []string{"Quality Management", "Risk Assessment"},
		},
		{
			name:     "quoted terms",
			query:    `Tell me about "risk assessment" and "force majeure"`,
			expected: []string{"risk assessment", "force majeure"},
		},
		{
			name:     "significant words in simple query",
			query:    "what is the meaning of this?",
			expected: []string{"meaning"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entities := extractQueryEntities(tt.query, nil)
			for _, exp := range tt.expected {
				found := false
				for _, e := range entities {
					if strings.Contains(e, exp) || strings.Contains(exp, e) {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("expected to find entity matching %q in %v", exp, entities)
				}
			}
		})
	}
}

func TestExtractQueryEntitiesExtraTerms(t *testing.T) {
	entities := extractQueryEntities("hello there", []string{"custom-hint"})
	found := false
	for _, e := range entities {
		if e == "custom-hint" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected extra hint term to be included, got %v", entities)
	}
}

func TestExtractQueryEntitiesSingleQuotes(t *testing.T) {
	entities := extractQueryEntities("What is 'force majeure' in this context?", nil)
	found := false
	for _, e := range entities {
		if strings.Contains(e, "force majeure") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected to find 'force majeure' in entities: %v", entities)
	}
}

func TestIsStopWord(t *testing.T) {
	stopWords := []string{"the", "a", "an", "and", "or", "is", "are", "in", "on"}
	for _, w := range stopWords {
		if !isStopWord(w) {
			t.Errorf("expected %q to be a stop word", w)
		}
	}

	nonStopWords := []string{"quality", "management", "standard", "compliance"}
	for _, w := range nonStopWords {
		if isStopWord(w) {
			t.Errorf("expected %q not to be a stop word", w)
		}
	}
}
