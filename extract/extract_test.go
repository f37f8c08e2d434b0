package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/brunobiangulo/graphreason/llm"
)

func testConfig() Config {
	return Config{
		TupleDelimiter:      "|||",
		RecordDelimiter:     "\n",
		CompletionDelimiter: "<COMPLETE>",
		MaxGleanings:        2,
	}
}

func TestParseRecords(t *testing.T) {
	raw := strings.Join([]string{
		"entity|||acme corp|||organization|||a manufacturer",
		"entity|||widget-9|||term|||a product model",
		"relationship|||acme corp|||widget-9|||defines|||acme corp makes widget-9|||0.9",
		"claim|||acme corp|||widget-9|||recall|||TRUE|||acme corp recalled widget-9|||2024-01-01|||",
		"<COMPLETE>",
	}, "\n")

	entities, rels, claims := parseRecords(raw, testConfig())

	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0].Name != "acme corp" || entities[0].Type != "organization" {
		t.Errorf("unexpected entity: %+v", entities[0])
	}
	if len(rels) != 1 || rels[0].Weight != 0.9 {
		t.Fatalf("unexpected relationships: %+v", rels)
	}
	if len(claims) != 1 || claims[0].Status != "TRUE" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRecordsDiscardsMalformed(t *testing.T) {
	raw := "entity|||only two fields\nrelationship|||a|||b\nnot-a-tag|||x|||y|||z\n<COMPLETE>"
	entities, rels, claims := parseRecords(raw, testConfig())
	if len(entities) != 0 || len(rels) != 0 || len(claims) != 0 {
		t.Errorf("expected all malformed records discarded, got %d/%d/%d", len(entities), len(rels), len(claims))
	}
}

func TestParseRecordsStopsAtCompletionDelimiter(t *testing.T) {
	raw := "entity|||a|||term|||first\n<COMPLETE>\nentity|||b|||term|||should be ignored"
	entities, _, _ := parseRecords(raw, testConfig())
	if len(entities) != 1 {
		t.Fatalf("expected content after completion delimiter to be ignored, got %d entities", len(entities))
	}
}

func TestDedupeMergesByNameAndType(t *testing.T) {
	entities := []Entity{
		{Name: "acme", Type: "organization", Description: "a company", Confidence: 0.8},
		{Name: "acme", Type: "organization", Description: "makes widgets", Confidence: 1.0},
		{Name: "acme", Type: "location", Description: "a town", Confidence: 0.5},
	}
	merged, _ := dedupe(entities, nil)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged entities (distinct types), got %d", len(merged))
	}
	for _, e := range merged {
		if e.Type == "organization" {
			if !strings.Contains(e.Description, "a company") || !strings.Contains(e.Description, "makes widgets") {
				t.Errorf("expected joined description, got %q", e.Description)
			}
		}
	}
}

func TestDedupeRelationshipsMaximizesWeight(t *testing.T) {
	rels := []Relationship{
		{Source: "a", Target: "b", Type: "references", Weight: 0.3},
		{Source: "a", Target: "b", Type: "references", Weight: 0.9},
	}
	_, merged := dedupe(nil, rels)
	if len(merged) != 1 || merged[0].Weight != 0.9 {
		t.Fatalf("expected single relationship with max weight 0.9, got %+v", merged)
	}
}

// scriptedProvider returns responses in order, ignoring the request content.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.calls >= len(p.responses) {
		return &llm.ChatResponse{Content: "n"}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return &llm.ChatResponse{Content: resp}, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestExtractChunkGleaningStopsOnYes(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		"entity|||alpha|||term|||first pass\n<COMPLETE>",
		"entity|||beta|||term|||gleaned\n<COMPLETE>",
		"Y",
	}}
	eng := NewEngine(provider, testConfig())
	res, err := eng.ExtractChunk(context.Background(), "alpha and beta are mentioned here.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("expected 2 entities across initial+glean pass, got %d", len(res.Entities))
	}
	if provider.calls != 3 {
		t.Errorf("expected exactly 3 LLM calls (extract, glean, decide), got %d", provider.calls)
	}
}

func TestExtractChunkGleaningStopsAtCap(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		"entity|||alpha|||term|||first pass\n<COMPLETE>",
		"entity|||beta|||term|||glean1\n<COMPLETE>",
		"N",
		"entity|||gamma|||term|||glean2\n<COMPLETE>",
		"N",
	}}
	cfg := testConfig()
	cfg.MaxGleanings = 2
	eng := NewEngine(provider, cfg)
	res, err := eng.ExtractChunk(context.Background(), "alpha, beta, gamma.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entities) != 3 {
		t.Fatalf("expected 3 entities after hitting the gleaning cap, got %d", len(res.Entities))
	}
	if provider.calls != 5 {
		t.Errorf("expected exactly 5 LLM calls bounded by MaxGleanings=2, got %d", provider.calls)
	}
}
