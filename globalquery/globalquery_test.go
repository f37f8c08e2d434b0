package globalquery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// scriptedProvider returns canned Chat responses keyed by a substring
// match against the prompt, falling back to a zero-importance batch
// response so unexpected calls are harmless rather than fatal.
type scriptedProvider struct {
	mu        sync.Mutex
	responses map[string]string
	calls     int
	failFirst map[string]bool
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	prompt := req.Messages[0].Content
	for key, resp := range p.responses {
		if strings.Contains(prompt, key) {
			if p.failFirst[key] {
				p.failFirst[key] = false
				return nil, errFake
			}
			return &llm.ChatResponse{Content: resp}, nil
		}
	}
	return &llm.ChatResponse{Content: `{"batch_summary":"","importance_score":0,"key_findings":[],"limitations":[]}`}, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

var errFake = fmt.Errorf("fake transient failure")

func sampleCommunities(n int) []store.Community {
	out := make([]store.Community, n)
	for i := range out {
		out[i] = store.Community{
			ID:      int64(i + 1),
			Title:   "topic",
			Summary: "a community about fire safety standards",
			Findings: []store.Finding{
				{Summary: "finding", Explanation: "explanation"},
			},
		}
	}
	return out
}

func TestQueryFiltersZeroImportanceBatches(t *testing.T) {
	provider := &scriptedProvider{responses: map[string]string{
		"Community 1 ": `{"batch_summary":"relevant","importance_score":7,"key_findings":["A"],"limitations":[]}`,
		"Community 2 ": `{"batch_summary":"irrelevant","importance_score":0,"key_findings":[],"limitations":[]}`,
		"INTERMEDIATE": `{"text":"final answer [Community 1]","citations":[1],"confidence":0.8}`,
	}}

	eng := New(provider, Config{BatchTokenLimit: 1, Concurrency: 4})
	communities := sampleCommunities(2)

	answer, err := eng.Query(context.Background(), "what are the standards?", communities)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", answer.Confidence)
	}
	if len(answer.Citations) != 1 || answer.Citations[0] != 1 {
		t.Errorf("expected citation [1], got %v", answer.Citations)
	}
}

func TestQueryRetriesFailedBatchOnce(t *testing.T) {
	provider := &scriptedProvider{
		responses: map[string]string{
			"Community 1 ": `{"batch_summary":"ok","importance_score":5,"key_findings":[],"limitations":[]}`,
			"INTERMEDIATE": `{"text":"answer","citations":[1],"confidence":0.5}`,
		},
		failFirst: map[string]bool{"Community 1 ": true},
	}

	eng := New(provider, Config{BatchTokenLimit: 1000, Concurrency: 1})
	_, err := eng.Query(context.Background(), "question", sampleCommunities(1))
	if err != nil {
		t.Fatalf("expected retry to succeed, got error: %v", err)
	}
}

func TestQueryErrorsWhenAllMapCallsFail(t *testing.T) {
	provider := &scriptedProvider{
		responses: map[string]string{},
		failFirst: map[string]bool{},
	}
	provider.responses["Community"] = "not json at all"

	eng := New(provider, Config{BatchTokenLimit: 1000, Concurrency: 1})
	_, err := eng.Query(context.Background(), "question", sampleCommunities(1))
	if err == nil {
		t.Fatal("expected error when every map call fails to parse")
	}
}

func TestBatchCommunitiesRespectsTokenLimit(t *testing.T) {
	communities := sampleCommunities(5)
	batches := batchCommunities(communities, 1) // tiny limit forces one per batch
	if len(batches) != 5 {
		t.Fatalf("expected 5 single-community batches, got %d", len(batches))
	}
}

func TestBatchCommunitiesPacksWithinLimit(t *testing.T) {
	communities := sampleCommunities(5)
	batches := batchCommunities(communities, 10000) // generous limit packs all into one
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Fatalf("expected a single batch of 5, got %d batches", len(batches))
	}
}
