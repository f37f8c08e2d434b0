package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/brunobiangulo/graphreason/chunker"
	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// Mode selects which of the three retrieval shapes Assemble builds.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeCommunity Mode = "community"
	ModeGlobal    Mode = "global"
)

// AssemblerConfig controls context assembly.
type AssemblerConfig struct {
	MaxContextTokens  int
	TopKEntities      int
	TopKRelationships int
	CommunityLevel    int
	MinCommunityRank  float64
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 4000
	}
	if c.TopKEntities <= 0 {
		c.TopKEntities = 20
	}
	if c.TopKRelationships <= 0 {
		c.TopKRelationships = 15
	}
	if c.MinCommunityRank <= 0 {
		c.MinCommunityRank = 0.3
	}
	return c
}

// Context is a token-budgeted, block-structured retrieval result ready
// to be dropped into a prompt.
type Context struct {
	Mode         Mode              `json:"mode"`
	Entities     []store.Entity    `json:"entities,omitempty"`
	Relationships []store.Relationship `json:"relationships,omitempty"`
	TextUnits    []store.TextUnit  `json:"text_units,omitempty"`
	Communities  []store.Community `json:"communities,omitempty"`
	Text         string            `json:"text"`
	TokensUsed   int               `json:"tokens_used"`
}

// Assembler builds token-budgeted Local, Community, and Global context
// for a query, reusing the RRF fusion and query-term extraction built
// for flat hybrid search but shaping the output as typed blocks
// instead of a ranked chunk list.
type Assembler struct {
	store    *store.Store
	embedder llm.Provider
	cfg      AssemblerConfig
}

// NewAssembler creates a context Assembler.
func NewAssembler(s *store.Store, embedder llm.Provider, cfg AssemblerConfig) *Assembler {
	return &Assembler{store: s, embedder: embedder, cfg: cfg.withDefaults()}
}

// Local builds entity/relationship/text-unit blocks around the
// entities most relevant to query.
func (a *Assembler) Local(ctx context.Context, query string) (*Context, error) {
	seeds, err := a.candidateEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("candidate entities: %w", err)
	}
	if len(seeds) == 0 {
		return &Context{Mode: ModeLocal}, nil
	}

	degree, rels, err := a.loadRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}

	sort.Slice(seeds, func(i, j int) bool { return degree[seeds[i].ID] > degree[seeds[j].ID] })
	if len(seeds) > a.cfg.TopKEntities {
		seeds = seeds[:a.cfg.TopKEntities]
	}

	selected := make(map[int64]bool, len(seeds))
	for _, e := range seeds {
		selected[e.ID] = true
	}

	inNetwork, outNetwork := partitionRelationships(rels, selected)
	maxRels := a.cfg.TopKRelationships * len(seeds)
	chosenRels := append([]store.Relationship{}, inNetwork...)
	if len(chosenRels) < maxRels {
		chosenRels = append(chosenRels, outNetwork[:min(len(outNetwork), maxRels-len(chosenRels))]...)
	} else if len(chosenRels) > maxRels {
		chosenRels = chosenRels[:maxRels]
	}

	entityIDs := make([]int64, len(seeds))
	for i, e := range seeds {
		entityIDs[i] = e.ID
	}
	textUnitIDs, err := a.store.TextUnitsMentioning(ctx, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("text units mentioning: %w", err)
	}

	var units []store.TextUnit
	for _, id := range textUnitIDs {
		u, err := a.store.GetTextUnit(ctx, id)
		if err != nil {
			slog.Warn("retrieval: loading text unit failed", "text_unit_id", id, "error", err)
			continue
		}
		units = append(units, *u)
	}

	return a.assemble(ModeLocal, seeds, chosenRels, units, nil, degree)
}

// Community walks from the query's seed entities to their assigned
// communities at cfg.CommunityLevel and returns their reports.
func (a *Assembler) Community(ctx context.Context, query string) (*Context, error) {
	seeds, err := a.candidateEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("candidate entities: %w", err)
	}
	if len(seeds) == 0 {
		return &Context{Mode: ModeCommunity}, nil
	}

	entityIDs := make([]int64, len(seeds))
	for i, e := range seeds {
		entityIDs[i] = e.ID
	}
	communityIDs, err := a.store.CommunitiesForEntities(ctx, entityIDs, a.cfg.CommunityLevel)
	if err != nil {
		return nil, fmt.Errorf("communities for entities: %w", err)
	}
	if len(communityIDs) == 0 {
		return &Context{Mode: ModeCommunity}, nil
	}

	wanted := make(map[int64]bool, len(communityIDs))
	for _, id := range communityIDs {
		wanted[id] = true
	}

	all, err := a.store.GetCommunities(ctx, a.cfg.CommunityLevel)
	if err != nil {
		return nil, fmt.Errorf("loading communities: %w", err)
	}
	var communities []store.Community
	for _, c := range all {
		if wanted[c.ID] {
			communities = append(communities, c)
		}
	}
	sort.Slice(communities, func(i, j int) bool { return communities[i].Rating > communities[j].Rating })

	return a.assemble(ModeCommunity, nil, nil, nil, communities, nil)
}

// Global ranks every community at the given level by how many
// distinct text units its membership reaches, filters by a minimum
// rank, and returns the result sorted by (weight, rank) descending.
func (a *Assembler) Global(ctx context.Context, level int) (*Context, error) {
	communities, err := a.store.GetCommunities(ctx, level)
	if err != nil {
		return nil, fmt.Errorf("loading communities: %w", err)
	}

	type weighted struct {
		c      store.Community
		weight int
	}
	var ranked []weighted
	for _, c := range communities {
		rank := c.Rank
		if rank == 0 {
			rank = 0.5
		}
		if rank < a.cfg.MinCommunityRank {
			continue
		}
		members, err := a.store.CommunityMembers(ctx, c.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("community members: %w", err)
		}
		memberIDs := make([]int64, len(members))
		for i, m := range members {
			memberIDs[i] = m.ID
		}
		units, err := a.store.TextUnitsMentioning(ctx, memberIDs)
		if err != nil {
			return nil, fmt.Errorf("text units mentioning: %w", err)
		}
		c.Rank = rank
		ranked = append(ranked, weighted{c: c, weight: len(units)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].c.Rank > ranked[j].c.Rank
	})

	out := make([]store.Community, len(ranked))
	for i, w := range ranked {
		out[i] = w.c
	}

	return a.assemble(ModeGlobal, nil, nil, nil, out, nil)
}

// candidateEntities fuses vector, FTS, and name-matched graph
// candidates into one entity-ranked list via reciprocal rank fusion,
// reusing the same rank-fusion formula as fuseRRF but keyed by entity
// ID instead of text unit ID.
func (a *Assembler) candidateEntities(ctx context.Context, query string) ([]store.Entity, error) {
	terms := extractQueryEntities(query, nil)
	byName, err := a.store.GetEntitiesByNames(ctx, lowercaseAll(terms))
	if err != nil {
		return nil, err
	}
	fuzzy, err := a.store.SearchEntitiesByTerms(ctx, lowercaseAll(terms), 50)
	if err != nil {
		slog.Warn("retrieval: fuzzy entity search failed", "error", err)
	}
	nameRanked := mergeEntityLists(byName, fuzzy)

	var vecRanked, ftsRanked []store.Entity
	if a.embedder != nil {
		if embeddings, err := a.embedder.Embed(ctx, []string{query}); err == nil && len(embeddings) > 0 {
			if vecResults, err := a.store.VectorSearch(ctx, embeddings[0], 20); err == nil {
				vecRanked, err = a.entitiesFromTextUnits(ctx, vecResults)
				if err != nil {
					slog.Warn("retrieval: entities from vector text units failed", "error", err)
				}
			}
		}
	}
	if ftsQuery := sanitizeFTSQuery(query); ftsQuery != "" {
		if ftsResults, err := a.store.FTSSearch(ctx, ftsQuery, 20); err == nil {
			ftsRanked, err = a.entitiesFromTextUnits(ctx, ftsResults)
			if err != nil {
				slog.Warn("retrieval: entities from fts text units failed", "error", err)
			}
		}
	}

	fused, byID := fuseEntityRanks(nameRanked, vecRanked, ftsRanked)
	entities := make([]store.Entity, 0, len(fused))
	for _, id := range fused {
		entities = append(entities, byID[id])
	}
	return entities, nil
}

// entitiesFromTextUnits collects the distinct entities mentioned in a
// set of ranked text units, preserving the text units' rank order (an
// entity's rank is the rank of the first text unit mentioning it).
func (a *Assembler) entitiesFromTextUnits(ctx context.Context, results []store.RetrievalResult) ([]store.Entity, error) {
	var out []store.Entity
	seen := make(map[int64]bool)
	for _, r := range results {
		ents, err := a.store.EntitiesMentionedIn(ctx, []int64{r.TextUnitID}, 10)
		if err != nil {
			continue
		}
		for _, e := range ents {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// fuseEntityRanks combines multiple rank-ordered entity lists with
// reciprocal rank fusion (same weighting and k constant as fuseRRF),
// returning entity IDs ranked by fused score plus a lookup map.
func fuseEntityRanks(lists ...[]store.Entity) ([]int64, map[int64]store.Entity) {
	scores := make(map[int64]float64)
	byID := make(map[int64]store.Entity)
	for _, list := range lists {
		for rank, e := range list {
			scores[e.ID] += 1.0 / float64(rrfK+rank+1)
			byID[e.ID] = e
		}
	}
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return scores[ids[i]] > scores[ids[j]] })
	return ids, byID
}

func mergeEntityLists(lists ...[]store.Entity) []store.Entity {
	var out []store.Entity
	seen := make(map[int64]bool)
	for _, list := range lists {
		for _, e := range list {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	return out
}

func lowercaseAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

// loadRelationships returns every relationship plus a degree count per
// entity ID, used to rank candidate entities by relationship-degree.
func (a *Assembler) loadRelationships(ctx context.Context) (map[int64]int, []store.Relationship, error) {
	rels, err := a.store.AllRelationships(ctx)
	if err != nil {
		return nil, nil, err
	}
	degree := make(map[int64]int)
	for _, r := range rels {
		degree[r.SourceEntityID]++
		degree[r.TargetEntityID]++
	}
	return degree, rels, nil
}

// partitionRelationships splits rels into in-network (both endpoints
// selected) and out-of-network (exactly one endpoint selected) sets,
// with out-of-network sorted by the external endpoint's number of
// mutual connections to the selected set, then by weight, descending.
func partitionRelationships(rels []store.Relationship, selected map[int64]bool) (inNetwork, outNetwork []store.Relationship) {
	mutual := make(map[int64]int)
	for _, r := range rels {
		srcSel, tgtSel := selected[r.SourceEntityID], selected[r.TargetEntityID]
		if srcSel && tgtSel {
			inNetwork = append(inNetwork, r)
		} else if srcSel || tgtSel {
			outNetwork = append(outNetwork, r)
			if srcSel {
				mutual[r.TargetEntityID]++
			} else {
				mutual[r.SourceEntityID]++
			}
		}
	}

	external := func(r store.Relationship) int64 {
		if selected[r.SourceEntityID] {
			return r.TargetEntityID
		}
		return r.SourceEntityID
	}
	sort.Slice(outNetwork, func(i, j int) bool {
		mi, mj := mutual[external(outNetwork[i])], mutual[external(outNetwork[j])]
		if mi != mj {
			return mi > mj
		}
		return outNetwork[i].Weight > outNetwork[j].Weight
	})
	return inNetwork, outNetwork
}

// assemble renders the selected entities/relationships/text-units or
// communities into delimiter-separated table blocks, stopping as soon
// as the next item would exceed cfg.MaxContextTokens. The final text
// unit, if any, is truncated to fill the remaining budget rather than
// dropped outright.
func (a *Assembler) assemble(
	mode Mode,
	entities []store.Entity,
	rels []store.Relationship,
	units []store.TextUnit,
	communities []store.Community,
	degree map[int64]int,
) (*Context, error) {
	var b strings.Builder
	budget := a.cfg.MaxContextTokens
	used := 0

	write := func(s string) bool {
		t := chunker.EstimateTokens(s)
		if used+t > budget {
			return false
		}
		b.WriteString(s)
		used += t
		return true
	}

	var keptEntities []store.Entity
	if len(entities) > 0 {
		write("-----Entities-----\nid|name|type|description|rank\n")
		for _, e := range entities {
			row := fmt.Sprintf("%d|%s|%s|%s|%d\n", e.ID, e.Name, e.EntityType, e.Description, degree[e.ID])
			if !write(row) {
				break
			}
			keptEntities = append(keptEntities, e)
		}
	}

	var keptRels []store.Relationship
	if len(rels) > 0 {
		write("-----Relationships-----\nid|source|target|type|weight|description\n")
		for _, r := range rels {
			row := fmt.Sprintf("%d|%d|%d|%s|%.2f|%s\n", r.ID, r.SourceEntityID, r.TargetEntityID, r.RelationType, r.Weight, r.Description)
			if !write(row) {
				break
			}
			keptRels = append(keptRels, r)
		}
	}

	var keptUnits []store.TextUnit
	if len(units) > 0 {
		write("-----Sources-----\nid|heading|text\n")
		for _, u := range units {
			row := fmt.Sprintf("%d|%s|%s\n", u.ID, u.Heading, u.Text)
			if write(row) {
				keptUnits = append(keptUnits, u)
				continue
			}
			remaining := budget - used
			if remaining <= 0 {
				break
			}
			truncated := truncateToTokens(u.Text, remaining)
			if truncated == "" {
				break
			}
			row = fmt.Sprintf("%d|%s|%s\n", u.ID, u.Heading, truncated)
			b.WriteString(row)
			used += chunker.EstimateTokens(row)
			u.Text = truncated
			keptUnits = append(keptUnits, u)
			break
		}
	}

	var keptCommunities []store.Community
	if len(communities) > 0 {
		write("-----Communities-----\nid|level|title|summary|rating\n")
		for _, c := range communities {
			row := fmt.Sprintf("%d|%d|%s|%s|%.1f\n", c.ID, c.Level, c.Title, c.Summary, c.Rating)
			if !write(row) {
				break
			}
			keptCommunities = append(keptCommunities, c)
		}
	}

	return &Context{
		Mode:          mode,
		Entities:      keptEntities,
		Relationships: keptRels,
		TextUnits:     keptUnits,
		Communities:   keptCommunities,
		Text:          b.String(),
		TokensUsed:    used,
	}, nil
}

// truncateToTokens trims text on word boundaries to fit within
// budget tokens, measured with the same estimator used elsewhere.
func truncateToTokens(text string, budget int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if chunker.EstimateTokens(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return strings.Join(words[:lo], " ")
}
