// Package tog implements Tree-of-Graphs reasoning: an iterative,
// depth-bounded exploration of the entity graph that alternates
// relation pruning and entity pruning to build a grounded triplet
// trail before synthesizing a final answer.
package tog

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// PruningMethod selects how relation and entity candidates are scored
// at each exploration step.
type PruningMethod string

const (
	PruningLLM          PruningMethod = "llm"
	PruningBM25         PruningMethod = "bm25"
	PruningSentenceBERT PruningMethod = "sentence_bert"
)

const absoluteIterationCap = 10

// Config controls the shape and cost of a single reasoning run.
type Config struct {
	SearchWidth            int
	SearchDepth            int
	ExplorationTemp        float64
	ReasoningTemp          float64
	NumRetainEntity        int
	PruningMethod          PruningMethod
	EnableSufficiencyCheck bool
	Seed                   uint64
}

func (c Config) withDefaults() Config {
	if c.SearchWidth <= 0 {
		c.SearchWidth = 3
	}
	if c.SearchDepth <= 0 {
		c.SearchDepth = 3
	}
	if c.ExplorationTemp == 0 {
		c.ExplorationTemp = 0.4
	}
	if c.NumRetainEntity <= 0 {
		c.NumRetainEntity = 5
	}
	if c.PruningMethod == "" {
		c.PruningMethod = PruningLLM
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// Triplet is one grounded (subject, relation, object) edge followed
// during exploration.
type Triplet struct {
	Subject     string   `json:"subject"`
	Relation    string   `json:"relation"`
	Object      string   `json:"object"`
	Confidence  float64  `json:"confidence"`
	SourceTexts []string `json:"source_texts,omitempty"`
}

// Step records one depth of exploration.
type Step struct {
	Depth             int      `json:"depth"`
	Entities          []string `json:"entities"`
	RelationsExplored []string `json:"relations_explored"`
	SelectedRelations []string `json:"selected_relations"`
	SufficiencyScore  float64  `json:"sufficiency_score,omitempty"`
	Sufficient        bool     `json:"sufficient,omitempty"`
}

// Answer is the final synthesized output of a reasoning run.
type Answer struct {
	Answer            string    `json:"answer"`
	ReasoningChain    []string  `json:"reasoning_chain"`
	Confidence        float64   `json:"confidence"`
	Grounding         []string  `json:"grounding"`
	Limitations       []string  `json:"limitations"`
	ReasoningPath     []Step    `json:"reasoning_path"`
	RetrievedTriplets []Triplet `json:"retrieved_triplets"`
	ProcessingTimeMs  int64     `json:"processing_time_ms"`
}

// Engine runs Tree-of-Graphs reasoning over the entity graph.
type Engine struct {
	st       *store.Store
	chat     llm.Provider
	embedder llm.Provider
	cfg      Config
}

// New creates a ToG Engine. embedder is used only when
// cfg.PruningMethod is PruningSentenceBERT.
func New(st *store.Store, chat llm.Provider, embedder llm.Provider, cfg Config) *Engine {
	return &Engine{st: st, chat: chat, embedder: embedder, cfg: cfg.withDefaults()}
}

// frontierEntity is a node currently on the exploration frontier.
type frontierEntity struct {
	entity store.Entity
}

// Answer runs the full seed -> iterate -> synthesize procedure for question.
func (e *Engine) Answer(ctx context.Context, question string) (*Answer, error) {
	start := time.Now()

	frontier, err := e.seedTopicEntities(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("seeding topic entities: %w", err)
	}
	if len(frontier) == 0 {
		return nil, fmt.Errorf("tog: no indexed documents match this question")
	}

	allRels, err := e.st.AllRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}

	rng := rand.New(rand.NewPCG(e.cfg.Seed, uint64(len(question))))

	var path []Step
	var triplets []Triplet
	explored := make(map[int64]bool)
	exploredRelations := make(map[string]bool)
	var summary strings.Builder

	maxDepth := e.cfg.SearchDepth
	if maxDepth > absoluteIterationCap {
		maxDepth = absoluteIterationCap
	}

	for depth := 0; depth < maxDepth; depth++ {
		relCandidates := outgoingRelationTypes(allRels, frontier, exploredRelations)
		if len(relCandidates) == 0 {
			break
		}

		relScores, err := e.scoreRelations(ctx, question, summary.String(), relCandidates)
		if err != nil {
			return nil, fmt.Errorf("depth %d: scoring relations: %w", depth, err)
		}
		selectedRelations := topK(relCandidates, relScores, e.cfg.SearchWidth)
		for _, r := range selectedRelations {
			exploredRelations[r] = true
		}

		candidates, err := e.fetchCandidates(ctx, allRels, frontier, selectedRelations)
		if err != nil {
			return nil, fmt.Errorf("depth %d: fetching candidates: %w", depth, err)
		}
		candidates = dedupeCandidates(candidates, explored)
		if len(candidates) > 20 {
			rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
			candidates = candidates[:e.cfg.NumRetainEntity]
		}

		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.entity.Name + ": " + c.entity.Description
		}
		entScores, err := e.scoreEntities(ctx, question, summary.String(), names)
		if err != nil {
			return nil, fmt.Errorf("depth %d: scoring entities: %w", depth, err)
		}

		type scored struct {
			cand  relationCandidate
			score float64
		}
		var rankedCandidates []scored
		for i, c := range candidates {
			rankedCandidates = append(rankedCandidates, scored{cand: c, score: entScores[names[i]]})
		}
		sort.Slice(rankedCandidates, func(i, j int) bool { return rankedCandidates[i].score > rankedCandidates[j].score })
		if len(rankedCandidates) > e.cfg.SearchWidth {
			rankedCandidates = rankedCandidates[:e.cfg.SearchWidth]
		}

		var nextFrontier []frontierEntity
		var stepEntities []string
		for _, rc := range rankedCandidates {
			c := rc.cand
			explored[c.entity.ID] = true
			nextFrontier = append(nextFrontier, frontierEntity{entity: c.entity})
			stepEntities = append(stepEntities, c.entity.Name)
			triplets = append(triplets, Triplet{
				Subject:     c.sourceName,
				Relation:    c.relationType,
				Object:      c.entity.Name,
				Confidence:  rc.score,
				SourceTexts: c.sourceTexts,
			})
			fmt.Fprintf(&summary, "%s --[%s]--> %s\n", c.sourceName, c.relationType, c.entity.Name)
		}

		step := Step{
			Depth:             depth,
			Entities:          stepEntities,
			RelationsExplored: relCandidates,
			SelectedRelations: selectedRelations,
		}

		if len(nextFrontier) == 0 {
			path = append(path, step)
			break
		}

		if overlapRatio(frontier, nextFrontier) >= 0.8 {
			path = append(path, step)
			break
		}
		frontier = nextFrontier

		if e.cfg.EnableSufficiencyCheck && depth >= 1 {
			sufficient, conf, err := e.checkSufficiency(ctx, question, summary.String())
			if err != nil {
				slog.Warn("tog: sufficiency check failed", "error", err)
			} else {
				step.SufficiencyScore = conf
				step.Sufficient = sufficient
				path = append(path, step)
				if sufficient {
					break
				}
				continue
			}
		}
		path = append(path, step)
	}

	if len(triplets) == 0 {
		answer, err := e.directAnswer(ctx, question)
		if err != nil {
			return nil, fmt.Errorf("direct answer fallback: %w", err)
		}
		return &Answer{
			Answer:           answer,
			Confidence:       0.3,
			ReasoningPath:    path,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	enrichment, err := e.enrichmentTexts(ctx, frontier)
	if err != nil {
		slog.Warn("tog: enrichment text lookup failed", "error", err)
	}

	answer, err := e.synthesize(ctx, question, triplets, enrichment)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	answer.ReasoningPath = path
	answer.RetrievedTriplets = triplets
	answer.ProcessingTimeMs = time.Since(start).Milliseconds()
	return answer, nil
}

// relationCandidate is a (source, relation, target) candidate pending scoring.
type relationCandidate struct {
	sourceName   string
	relationType string
	entity       store.Entity
	sourceTexts  []string
}

func overlapRatio(prev, next []frontierEntity) float64 {
	if len(prev) == 0 {
		return 0
	}
	prevSet := make(map[int64]bool, len(prev))
	for _, p := range prev {
		prevSet[p.entity.ID] = true
	}
	overlap := 0
	for _, n := range next {
		if prevSet[n.entity.ID] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(prev))
}

func dedupeCandidates(candidates []relationCandidate, explored map[int64]bool) []relationCandidate {
	seen := make(map[int64]bool)
	var out []relationCandidate
	for _, c := range candidates {
		if explored[c.entity.ID] || seen[c.entity.ID] {
			continue
		}
		seen[c.entity.ID] = true
		out = append(out, c)
	}
	return out
}

func topK(items []string, scores map[string]float64, k int) []string {
	sorted := append([]string{}, items...)
	sort.Slice(sorted, func(i, j int) bool { return scores[sorted[i]] > scores[sorted[j]] })
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
