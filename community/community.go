// Package community detects hierarchical entity communities over the
// RELATED_TO projection of the entity graph and generates structured
// LLM summaries for each one.
package community

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/brunobiangulo/graphreason/store"
)

// minSplitSize is the minimum community size eligible for a further
// level split.
const minSplitSize = 6

// maxProjectionNodes caps the node count the modularity optimisation
// will run against; larger components are kept as a single community
// for that level.
const maxProjectionNodes = 2000

// edge is a weighted adjacency-list entry over compact node indices.
type edge struct {
	to     int
	weight float64
}

// Config controls the community builder.
type Config struct {
	// MaxLevels bounds the total number of levels, level 0 included.
	MaxLevels int
	// Seed makes the split comparator's tie-breaking deterministic.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.MaxLevels <= 0 {
		c.MaxLevels = 10
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// Builder runs hierarchical community detection over a store's entity
// graph.
type Builder struct {
	st  *store.Store
	cfg Config
}

// New returns a Builder.
func New(st *store.Store, cfg Config) *Builder {
	return &Builder{st: st, cfg: cfg.withDefaults()}
}

// projection is the compact in-memory representation of the entity
// graph used for community detection.
type projection struct {
	entities []store.Entity
	idIndex  map[int64]int
	adj      [][]edge
	total    float64
}

func buildProjection(entities []store.Entity, rels []store.Relationship) projection {
	idIndex := make(map[int64]int, len(entities))
	for i, e := range entities {
		idIndex[e.ID] = i
	}
	adj := make([][]edge, len(entities))
	var total float64
	for _, r := range rels {
		si, okS := idIndex[r.SourceEntityID]
		ti, okT := idIndex[r.TargetEntityID]
		if !okS || !okT || si == ti {
			continue
		}
		adj[si] = append(adj[si], edge{to: ti, weight: r.Weight})
		adj[ti] = append(adj[ti], edge{to: si, weight: r.Weight})
		total += r.Weight
	}
	return projection{entities: entities, idIndex: idIndex, adj: adj, total: total}
}

// DetectFull runs full hierarchical detection over every entity in the
// store: level 0 is connected components of the RELATED_TO projection;
// each level-k component is recursively split by modularity
// optimisation into level-(k+1) sub-communities until a level yields no
// improving split or cfg.MaxLevels is reached. Results replace any
// prior community data.
func (b *Builder) DetectFull(ctx context.Context) ([]store.Community, error) {
	entities, err := b.st.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	rels, err := b.st.AllRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}

	if err := b.st.ClearCommunities(ctx); err != nil {
		return nil, fmt.Errorf("clearing communities: %w", err)
	}

	proj := buildProjection(entities, rels)
	components := connectedComponents(proj)

	var created []store.Community
	for _, comp := range components {
		if err := b.buildLevels(ctx, proj, comp, 0, 0, &created); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// buildLevels creates a community for comp at level, assigns its
// members' IN_COMMUNITY edges, links it to parentID (0 means no
// parent), and recurses into modularity-derived sub-communities until
// the level cap or a non-improving split is reached.
func (b *Builder) buildLevels(ctx context.Context, proj projection, comp []int, level int, parentID int64, out *[]store.Community) error {
	ids := componentEntityIDs(comp, proj.entities)

	c := store.Community{Level: level}
	communityID, err := b.st.InsertCommunity(ctx, c)
	if err != nil {
		return fmt.Errorf("inserting level-%d community: %w", level, err)
	}
	c.ID = communityID
	*out = append(*out, c)

	for _, eid := range ids {
		if err := b.st.AssignCommunity(ctx, eid, communityID, level, 1.0); err != nil {
			return fmt.Errorf("assigning entity %d to community %d: %w", eid, communityID, err)
		}
	}
	if parentID != 0 {
		if err := b.st.SetCommunityParent(ctx, communityID, parentID); err != nil {
			return fmt.Errorf("linking community %d to parent %d: %w", communityID, parentID, err)
		}
	}

	if level+1 >= b.cfg.MaxLevels {
		return nil
	}
	if len(comp) < minSplitSize || len(comp) > maxProjectionNodes || proj.total == 0 {
		return nil
	}

	rng := rand.New(rand.NewPCG(b.cfg.Seed, uint64(communityID)))
	subcomponents := modularitySplit(comp, proj.adj, proj.total, rng)
	if len(subcomponents) <= 1 {
		return nil
	}
	for _, sub := range subcomponents {
		if err := b.buildLevels(ctx, proj, sub, level+1, communityID, out); err != nil {
			return err
		}
	}
	return nil
}

// DetectIncremental re-clusters the 1-hop neighborhood of
// affectedEntityIDs: it drops their existing community assignments
// (AssignCommunity's upsert overwrites the prior (entity, level) row),
// projects just that subgraph, re-runs full detection scoped to it,
// and removes any community left with zero members. It returns every
// community (re)created at any level, so the caller knows which ones
// need a regenerated summary.
func (b *Builder) DetectIncremental(ctx context.Context, affectedEntityIDs []int64) ([]store.Community, error) {
	if len(affectedEntityIDs) == 0 {
		return nil, nil
	}

	rels, err := b.st.AllRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}

	affected := make(map[int64]bool, len(affectedEntityIDs)*2)
	for _, id := range affectedEntityIDs {
		affected[id] = true
	}
	for _, r := range rels {
		if affected[r.SourceEntityID] {
			affected[r.TargetEntityID] = true
		}
		if affected[r.TargetEntityID] {
			affected[r.SourceEntityID] = true
		}
	}

	allEntities, err := b.st.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	var scoped []store.Entity
	for _, e := range allEntities {
		if affected[e.ID] {
			scoped = append(scoped, e)
		}
	}
	if len(scoped) == 0 {
		return nil, nil
	}

	proj := buildProjection(scoped, rels)
	components := connectedComponents(proj)

	var created []store.Community
	for _, comp := range components {
		if err := b.buildLevels(ctx, proj, comp, 0, 0, &created); err != nil {
			return nil, err
		}
	}
	if err := b.st.DeleteOrphanCommunities(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func connectedComponents(proj projection) [][]int {
	visited := make([]bool, len(proj.entities))
	var components [][]int
	for i := range proj.entities {
		if visited[i] {
			continue
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range proj.adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		components = append(components, comp)
	}
	return components
}

func componentEntityIDs(comp []int, entities []store.Entity) []int64 {
	ids := make([]int64, len(comp))
	for i, idx := range comp {
		ids[i] = entities[idx].ID
	}
	return ids
}
