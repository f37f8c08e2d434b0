package tog

import (
	"context"
	"sort"

	"github.com/brunobiangulo/graphreason/store"
)

// outgoingRelationTypes lists the distinct relation types available for
// traversal out of the current frontier, excluding types already
// explored at a prior depth.
func outgoingRelationTypes(allRels []store.Relationship, frontier []frontierEntity, explored map[string]bool) []string {
	inFrontier := make(map[int64]bool, len(frontier))
	for _, f := range frontier {
		inFrontier[f.entity.ID] = true
	}
	seen := make(map[string]bool)
	var types []string
	for _, r := range allRels {
		if !inFrontier[r.SourceEntityID] {
			continue
		}
		if explored[r.RelationType] || seen[r.RelationType] {
			continue
		}
		seen[r.RelationType] = true
		types = append(types, r.RelationType)
	}
	return types
}

// fetchCandidates gathers target entities reachable from the frontier
// via any of selectedRelations, up to 50 candidates per relation type,
// each annotated with up to 3 supporting text-unit excerpts.
func (e *Engine) fetchCandidates(ctx context.Context, allRels []store.Relationship, frontier []frontierEntity, selectedRelations []string) ([]relationCandidate, error) {
	wanted := make(map[string]bool, len(selectedRelations))
	for _, r := range selectedRelations {
		wanted[r] = true
	}
	bySource := make(map[int64]store.Entity, len(frontier))
	for _, f := range frontier {
		bySource[f.entity.ID] = f.entity
	}

	const perRelationCap = 50
	perRelationCount := make(map[string]int)
	var out []relationCandidate

	for _, r := range allRels {
		source, ok := bySource[r.SourceEntityID]
		if !ok || !wanted[r.RelationType] {
			continue
		}
		if perRelationCount[r.RelationType] >= perRelationCap {
			continue
		}
		target, err := e.st.GetEntity(ctx, r.TargetEntityID)
		if err != nil || target == nil {
			continue
		}
		excerpts, err := e.st.MentionExcerpts(ctx, target.ID, 3)
		if err != nil {
			excerpts = nil
		}
		out = append(out, relationCandidate{
			sourceName:   source.Name,
			relationType: r.RelationType,
			entity:       *target,
			sourceTexts:  excerpts,
		})
		perRelationCount[r.RelationType]++
	}
	return out, nil
}

// enrichmentTexts fetches a handful of supporting text units for the
// final frontier, ranked by how many of those entities each unit
// mentions.
func (e *Engine) enrichmentTexts(ctx context.Context, frontier []frontierEntity) ([]string, error) {
	if len(frontier) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(frontier))
	for i, f := range frontier {
		ids[i] = f.entity.ID
	}
	counts, err := e.st.TextUnitMentionCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	type ranked struct {
		id    int64
		count int
	}
	var list []ranked
	for id, c := range counts {
		list = append(list, ranked{id: id, count: c})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].count > list[j].count })
	if len(list) > 3 {
		list = list[:3]
	}

	var texts []string
	for _, r := range list {
		tu, err := e.st.GetTextUnit(ctx, r.id)
		if err != nil || tu == nil {
			continue
		}
		texts = append(texts, tu.Text)
	}
	return texts, nil
}
