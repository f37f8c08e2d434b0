package tog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/resolve"
	"github.com/brunobiangulo/graphreason/store"
)

const maxSeedCandidates = 1000
const fuzzySeedThreshold = 0.6
const maxFuzzySeeds = 10

// seedTopicEntities picks the entities the reasoning walk should start
// from. It shortlists the most-mentioned entities in the graph and asks
// the chat model which ones the question is actually about. If the
// model call fails or returns nothing usable, it falls back to a plain
// fuzzy name match against the question text.
func (e *Engine) seedTopicEntities(ctx context.Context, question string) ([]frontierEntity, error) {
	all, err := e.st.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].MentionCount > all[j].MentionCount })
	if len(all) > maxSeedCandidates {
		all = all[:maxSeedCandidates]
	}

	byName := make(map[string]int, len(all))
	for i, ent := range all {
		byName[strings.ToLower(ent.Name)] = i
	}

	names, err := e.shortlistTopicEntities(ctx, question, all)
	if err == nil && len(names) > 0 {
		var frontier []frontierEntity
		for _, n := range names {
			if idx, ok := byName[strings.ToLower(n)]; ok {
				frontier = append(frontier, frontierEntity{entity: all[idx]})
			}
		}
		if len(frontier) > 0 {
			return frontier, nil
		}
	}

	return fuzzySeedMatch(question, all), nil
}

func (e *Engine) shortlistTopicEntities(ctx context.Context, question string, candidates []store.Entity) ([]string, error) {
	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name, c.EntityType, c.Description)
	}
	prompt := fmt.Sprintf(seedShortlistPromptTemplate, question, b.String())

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    e.cfg.ExplorationTemp,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}
	return parseEntityShortlist(resp.Content)
}

// fuzzySeedMatch matches tokens of the question against entity names
// using a longest-common-subsequence ratio, keeping anything at or
// above fuzzySeedThreshold.
func fuzzySeedMatch(question string, candidates []store.Entity) []frontierEntity {
	tokens := strings.Fields(strings.ToLower(question))
	type scored struct {
		idx   int
		score float64
	}
	var matches []scored
	for i, c := range candidates {
		name := strings.ToLower(c.Name)
		best := 0.0
		for _, tok := range tokens {
			if len(tok) < 3 {
				continue
			}
			if s := resolve.LCSRatio(tok, name); s > best {
				best = s
			}
		}
		if best >= fuzzySeedThreshold {
			matches = append(matches, scored{idx: i, score: best})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > maxFuzzySeeds {
		matches = matches[:maxFuzzySeeds]
	}
	var frontier []frontierEntity
	for _, m := range matches {
		frontier = append(frontier, frontierEntity{entity: candidates[m.idx]})
	}
	return frontier
}

const seedShortlistPromptTemplate = `Given a question and a list of entities known in a knowledge graph, identify which entities the question is actually about.

QUESTION: %s

ENTITIES:
%s
Return a JSON object with exactly one key, "entities", an array of entity names from the list above (copy the names exactly) that are relevant starting points for answering the question. Include only entities actually relevant to the question; return an empty array if none are.`
