package tog

import (
	"testing"

	"github.com/brunobiangulo/graphreason/store"
)

func TestOverlapRatioFullOverlap(t *testing.T) {
	prev := []frontierEntity{{entity: store.Entity{ID: 1}}, {entity: store.Entity{ID: 2}}}
	next := []frontierEntity{{entity: store.Entity{ID: 1}}, {entity: store.Entity{ID: 2}}}
	if r := overlapRatio(prev, next); r != 1.0 {
		t.Errorf("expected overlap 1.0, got %v", r)
	}
}

func TestOverlapRatioNoOverlap(t *testing.T) {
	prev := []frontierEntity{{entity: store.Entity{ID: 1}}}
	next := []frontierEntity{{entity: store.Entity{ID: 2}}}
	if r := overlapRatio(prev, next); r != 0 {
		t.Errorf("expected overlap 0, got %v", r)
	}
}

func TestOverlapRatioEmptyPrev(t *testing.T) {
	if r := overlapRatio(nil, []frontierEntity{{entity: store.Entity{ID: 1}}}); r != 0 {
		t.Errorf("expected overlap 0 for empty prev frontier, got %v", r)
	}
}

func TestDedupeCandidatesDropsExploredAndRepeats(t *testing.T) {
	candidates := []relationCandidate{
		{entity: store.Entity{ID: 1}},
		{entity: store.Entity{ID: 2}},
		{entity: store.Entity{ID: 1}}, // repeat within this batch
		{entity: store.Entity{ID: 3}}, // already explored
	}
	explored := map[int64]bool{3: true}

	out := dedupeCandidates(candidates, explored)
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving candidates, got %d", len(out))
	}
	if out[0].entity.ID != 1 || out[1].entity.ID != 2 {
		t.Errorf("unexpected survivors: %+v", out)
	}
}

func TestTopKOrdersByScoreDescending(t *testing.T) {
	items := []string{"a", "b", "c"}
	scores := map[string]float64{"a": 1, "b": 9, "c": 5}

	got := topK(items, scores, 2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected [b c], got %v", got)
	}
}

func TestOutgoingRelationTypesFiltersByFrontierAndExplored(t *testing.T) {
	rels := []store.Relationship{
		{SourceEntityID: 1, RelationType: "mentions"},
		{SourceEntityID: 1, RelationType: "cites"},
		{SourceEntityID: 2, RelationType: "supersedes"}, // source not in frontier
	}
	frontier := []frontierEntity{{entity: store.Entity{ID: 1}}}
	explored := map[string]bool{"cites": true}

	got := outgoingRelationTypes(rels, frontier, explored)
	if len(got) != 1 || got[0] != "mentions" {
		t.Errorf("expected [mentions], got %v", got)
	}
}

func TestFuzzySeedMatchKeepsOnlyStrongMatches(t *testing.T) {
	candidates := []store.Entity{
		{ID: 1, Name: "pressure"},
		{ID: 2, Name: "zzzzzzzz"},
	}
	got := fuzzySeedMatch("what does the pressure standard require?", candidates)
	if len(got) != 1 || got[0].entity.ID != 1 {
		t.Errorf("expected only the exact-token match to survive, got %+v", got)
	}
}
