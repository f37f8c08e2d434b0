// Package resolve implements cross-chunk entity resolution: finding
// entities that refer to the same real-world thing despite not sharing
// an exact (name, type) key, and merging them.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// Config controls resolution thresholds and LLM arbitration.
type Config struct {
	// Threshold is the minimum LCS-ratio similarity for a pair to be
	// considered a candidate at all.
	Threshold float64
	// AutoMergeThreshold is the similarity above which a pair is merged
	// unconditionally, without LLM arbitration.
	AutoMergeThreshold float64
	// PhoneticThreshold is carried in the configuration but is not
	// read: candidate pairs come from shared Double-Metaphone codes and
	// are decided by LCS ratio alone; no Jaro-Winkler score is computed.
	PhoneticThreshold float64
	// UseLLM enables LLM arbitration for pairs between Threshold and
	// AutoMergeThreshold. When false, such pairs are left unmerged.
	UseLLM bool
	// MinLLMConfidence is the minimum confidence an LLM "are_same: true"
	// verdict must carry to be accepted.
	MinLLMConfidence float64
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.85
	}
	if c.AutoMergeThreshold <= 0 {
		c.AutoMergeThreshold = 0.95
	}
	if c.PhoneticThreshold <= 0 {
		c.PhoneticThreshold = 0.70
	}
	if c.MinLLMConfidence <= 0 {
		c.MinLLMConfidence = 0.75
	}
	return c
}

// Pair is a candidate duplicate pair with its similarity score.
type Pair struct {
	A, B       store.Entity
	Similarity float64
}

// Resolution is the LLM's verdict on whether two entities are the same.
type Resolution struct {
	AreSame       bool
	Confidence    float64
	CanonicalName string
	Reasoning     string
}

// Resolver finds and merges duplicate entities.
type Resolver struct {
	st   *store.Store
	chat llm.Provider
	cfg  Config
}

// New returns a Resolver.
func New(st *store.Store, chat llm.Provider, cfg Config) *Resolver {
	return &Resolver{st: st, chat: chat, cfg: cfg.withDefaults()}
}

// FindDuplicatePairs enumerates candidate pairs among entities whose
// normalized-name LCS ratio is at least cfg.Threshold. Entities are
// first grouped into Double-Metaphone phonetic buckets (per entity
// name, tokenized); only entities sharing a bucket are LCS-compared,
// bounding the practical cost without changing which pairs the
// threshold ultimately accepts (two entities with no phonetic overlap
// at all essentially never share a useful LCS ratio in practice for
// distinct real-world names).
func (r *Resolver) FindDuplicatePairs(entities []store.Entity) []Pair {
	buckets := make(map[string][]int)
	for i, e := range entities {
		for code := range phoneticCodes(e.Name) {
			buckets[code] = append(buckets[code], i)
		}
	}

	seen := make(map[[2]int64]bool)
	var pairs []Pair
	for _, idxs := range buckets {
		for i := 0; i < len(idxs); i++ {
			for j := i + 1; j < len(idxs); j++ {
				a, b := entities[idxs[i]], entities[idxs[j]]
				if a.EntityType != b.EntityType || a.ID == b.ID {
					continue
				}
				key := pairKey(a.ID, b.ID)
				if seen[key] {
					continue
				}
				seen[key] = true

				sim := LCSRatio(strings.ToLower(a.Name), strings.ToLower(b.Name))
				if sim >= r.cfg.Threshold {
					pairs = append(pairs, Pair{A: a, B: b, Similarity: sim})
				}
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	return pairs
}

// ResolveWithLLM asks the LLM to arbitrate whether two entities refer
// to the same real-world thing.
func (r *Resolver) ResolveWithLLM(ctx context.Context, a, b store.Entity) (Resolution, error) {
	prompt := fmt.Sprintf(resolvePromptTemplate, a.Name, a.EntityType, a.Description, b.Name, b.EntityType, b.Description)
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve llm chat: %w", err)
	}
	return parseResolution(resp.Content)
}

// Run finds duplicate pairs among entities, decides each per the
// auto-merge / LLM-arbitration / leave-separate rule, groups
// transitively-linked decisions into merge clusters, and merges each
// cluster via the store's transactional MergeEntities. It returns the
// number of entities merged away.
func (r *Resolver) Run(ctx context.Context, entities []store.Entity) (int, error) {
	pairs := r.FindDuplicatePairs(entities)
	uf := newUnionFind()
	for _, e := range entities {
		uf.add(e.ID)
	}

	byID := make(map[int64]store.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	for _, p := range pairs {
		merge := false
		canonical := p.A.Name
		switch {
		case p.Similarity >= r.cfg.AutoMergeThreshold:
			merge = true
			if len(p.B.Name) > len(canonical) {
				canonical = p.B.Name
			}
		case r.cfg.UseLLM:
			res, err := r.ResolveWithLLM(ctx, p.A, p.B)
			if err != nil {
				continue
			}
			if res.AreSame && res.Confidence >= r.cfg.MinLLMConfidence {
				merge = true
				if res.CanonicalName != "" {
					canonical = res.CanonicalName
				}
			}
		}
		if merge {
			uf.union(p.A.ID, p.B.ID)
			uf.setName(uf.find(p.A.ID), canonical)
		}
	}

	merged := 0
	for _, group := range uf.groups() {
		if len(group.members) < 2 {
			continue
		}
		primary := pickPrimary(group.members, byID)
		var dups []int64
		for _, id := range group.members {
			if id != primary {
				dups = append(dups, id)
			}
		}
		name := group.name
		if name == "" {
			name = byID[primary].Name
		}
		if err := r.st.MergeEntities(ctx, primary, dups, name); err != nil {
			return merged, fmt.Errorf("merging entity group led by %d: %w", primary, err)
		}
		merged += len(dups)
	}
	return merged, nil
}

// pickPrimary chooses the entity with the highest mention_count as the
// merge survivor, breaking ties by lowest ID for determinism.
func pickPrimary(ids []int64, byID map[int64]store.Entity) int64 {
	best := ids[0]
	for _, id := range ids[1:] {
		e, be := byID[id], byID[best]
		if e.MentionCount > be.MentionCount || (e.MentionCount == be.MentionCount && id < best) {
			best = id
		}
	}
	return best
}

func pairKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

func phoneticCodes(name string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, token := range strings.Fields(strings.ToLower(name)) {
		p, s := matchr.DoubleMetaphone(token)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

const resolvePromptTemplate = `Are the following two entities the same real-world thing, referred to differently?

Entity A: %q (type: %s)
Description: %s

Entity B: %q (type: %s)
Description: %s

Return a JSON object: {"are_same": bool, "confidence": number between 0 and 1, "canonical_name": string, "reasoning": string}. canonical_name should be the clearer of the two names when are_same is true, empty otherwise.`
