package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// Config holds retrieval engine configuration.
type Config struct {
	WeightVector float64
	WeightFTS    float64
	WeightGraph  float64
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	MaxResults  int
	WeightVec   float64
	WeightFTS   float64
	WeightGraph float64
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	VecResults          int                       `json:"vec_results"`
	FTSResults          int                       `json:"fts_results"`
	GraphResults        int                       `json:"graph_results"`
	FusedResults        int                       `json:"fused_results"`
	VecWeight           float64                   `json:"vec_weight"`
	FTSWeight           float64                   `json:"fts_weight"`
	GraphWeight         float64                   `json:"graph_weight"`
	SynthesisMode       bool                      `json:"synthesis_mode"`
	MaxRequested        int                       `json:"max_requested"`
	FTSQuery            string                    `json:"fts_query"`
	GraphEntities       []string                  `json:"graph_entities"`
	ElapsedMs           int64                     `json:"elapsed_ms"`
	PerResult           map[int64]FusedResultInfo `json:"per_result,omitempty"`
}

// Engine performs hybrid retrieval combining vector, FTS, and graph
// search, fused with reciprocal rank fusion into a single flat ranked
// list of text units. This is the cheap, general-purpose search path;
// Assembler builds on top of the same fusion to produce the
// token-budgeted Local/Community/Global blocks the reasoning layer
// consumes.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a new retrieval engine.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Search performs hybrid retrieval using RRF to fuse results from
// vector search, FTS5, and graph-based retrieval.
// Returns fused results and a SearchTrace with the full breakdown.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.RetrievalResult, *SearchTrace, error) {
	if opts.MaxResults == 0 {
		opts.MaxResults = 20
	}
	if opts.WeightVec == 0 {
		opts.WeightVec = e.cfg.WeightVector
	}
	if opts.WeightFTS == 0 {
		opts.WeightFTS = e.cfg.WeightFTS
	}
	if opts.WeightGraph == 0 {
		opts.WeightGraph = e.cfg.WeightGraph
	}

	trace := &SearchTrace{
		VecWeight:   opts.WeightVec,
		FTSWeight:   opts.WeightFTS,
		GraphWeight: opts.WeightGraph,
	}

	// Synthesis query detection: widen retrieval window for exhaustive queries
	synthesisMode := isSynthesisQuery(query)
	if synthesisMode {
		if opts.MaxResults < 40 {
			opts.MaxResults = 40
		}
		trace.SynthesisMode = true
		slog.Debug("retrieval: synthesis mode activated, widened retrieval window",
			"query", query, "max_results", opts.MaxResults)
	}

	slog.Debug("retrieval: starting hybrid search",
		"query_len", len(query), "max_results", opts.MaxResults,
		"weights", fmt.Sprintf("vec=%.1f fts=%.1f graph=%.1f", opts.WeightVec, opts.WeightFTS, opts.WeightGraph))
	searchStart := time.Now()

	ftsQuery := sanitizeFTSQuery(query)
	trace.FTSQuery = ftsQuery

	graphEntities := extractQueryEntities(query, nil)
	trace.GraphEntities = graphEntities

	type result struct {
		results []store.RetrievalResult
		err     error
	}

	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)
	graphCh := make(chan result, 1)

	go func() {
		r, err := e.vectorSearch(ctx, query, opts.MaxResults)
		vecCh <- result{r, err}
	}()

	go func() {
		r, err := e.store.FTSSearch(ctx, ftsQuery, opts.MaxResults)
		ftsCh <- result{r, err}
	}()

	go func() {
		r, err := e.graphSearchWithEntities(ctx, graphEntities, opts.MaxResults, synthesisMode)
		graphCh <- result{r, err}
	}()

	vecRes := <-vecCh
	ftsRes := <-ftsCh
	graphRes := <-graphCh

	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	trace.VecResults = len(vecRes.results)
	trace.FTSResults = len(ftsRes.results)
	trace.GraphResults = len(graphRes.results)

	slog.Debug("retrieval: searches complete",
		"vec_results", len(vecRes.results), "fts_results", len(ftsRes.results),
		"graph_results", len(graphRes.results),
		"elapsed", time.Since(searchStart).Round(time.Millisecond))

	fused, infoMap := fuseRRF(
		vecRes.results, ftsRes.results, graphRes.results,
		opts.WeightVec, opts.WeightFTS, opts.WeightGraph,
		opts.MaxResults,
	)

	trace.FusedResults = len(fused)
	trace.MaxRequested = opts.MaxResults
	trace.PerResult = infoMap
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()

	if len(fused) == 0 {
		if vecRes.err != nil {
			return nil, trace, fmt.Errorf("vector search: %w", vecRes.err)
		}
		if ftsRes.err != nil {
			return nil, trace, fmt.Errorf("fts search: %w", ftsRes.err)
		}
		if graphRes.err != nil {
			return nil, trace, fmt.Errorf("graph search: %w", graphRes.err)
		}
	}

	return fused, trace, nil
}

// vectorSearch generates an embedding for the query and searches vec_text_units.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int) ([]store.RetrievalResult, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return e.store.VectorSearch(ctx, embeddings[0], k)
}

// graphSearchWithEntities traverses the graph using pre-extracted entity names.
// Uses both exact and substring matching: exact match first (fast), then
// substring match (broader) to find multi-word entity names containing the
// query terms.
//
// When synthesisMode is true, performs an additional 1-hop relationship
// expansion to discover entities connected to the initial matches but not
// directly matched by name. This helps synthesis queries find scattered facts.
func (e *Engine) graphSearchWithEntities(ctx context.Context, entities []string, limit int, synthesisMode bool) ([]store.RetrievalResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	for i, ent := range entities {
		entities[i] = strings.ToLower(ent)
	}

	found, err := e.store.GetEntitiesByNames(ctx, entities)
	if err != nil {
		return nil, err
	}

	fuzzyFound, err := e.store.SearchEntitiesByTerms(ctx, entities, 50)
	if err != nil {
		slog.Warn("retrieval: fuzzy entity search failed", "error", err)
	}

	seen := make(map[int64]bool)
	var allEntities []store.Entity
	for _, e := range found {
		if !seen[e.ID] {
			seen[e.ID] = true
			allEntities = append(allEntities, e)
		}
	}
	for _, e := range fuzzyFound {
		if !seen[e.ID] {
			seen[e.ID] = true
			allEntities = append(allEntities, e)
		}
	}

	if len(allEntities) == 0 {
		return nil, nil
	}

	slog.Debug("retrieval: graph entity lookup",
		"exact_matches", len(found), "fuzzy_matches", len(fuzzyFound),
		"total_unique", len(allEntities))

	entityIDs := make([]int64, len(allEntities))
	for i, e := range allEntities {
		entityIDs[i] = e.ID
	}

	// 1-hop relationship expansion for synthesis queries: discover entities
	// connected to the seed set but not matched by name directly.
	if synthesisMode {
		neighborEntities, err := e.store.GetRelatedEntities(ctx, entityIDs, 100)
		if err != nil {
			slog.Warn("retrieval: 1-hop entity expansion failed", "error", err)
		} else if len(neighborEntities) > 0 {
			added := 0
			for _, ne := range neighborEntities {
				if !seen[ne.ID] {
					seen[ne.ID] = true
					allEntities = append(allEntities, ne)
					entityIDs = append(entityIDs, ne.ID)
					added++
				}
			}
			slog.Debug("retrieval: 1-hop expansion",
				"returned", len(neighborEntities), "new", added, "total_unique", len(allEntities))
		}
	}

	return e.store.GraphSearch(ctx, entityIDs, limit)
}
