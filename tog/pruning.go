package tog

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/brunobiangulo/graphreason/llm"
)

// bm25Tokens lowercases and splits on anything that isn't a letter or
// digit, the same cheap tokenization the rest of the codebase uses for
// ad-hoc term matching rather than a stemmed or stopword-filtered list.
func bm25Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// scoreRelations scores each candidate relation type's relevance to the
// question given what has been found so far, using the configured
// pruning method.
func (e *Engine) scoreRelations(ctx context.Context, question, trail string, candidates []string) (map[string]float64, error) {
	switch e.cfg.PruningMethod {
	case PruningBM25:
		return bm25Scores(question, candidates), nil
	case PruningSentenceBERT:
		return e.embeddingScores(ctx, question, candidates)
	default:
		return e.llmScores(ctx, relationScorePromptTemplate, question, trail, candidates)
	}
}

// scoreEntities scores each candidate "name: description" string's
// relevance to the question, using the configured pruning method.
func (e *Engine) scoreEntities(ctx context.Context, question, trail string, candidates []string) (map[string]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	switch e.cfg.PruningMethod {
	case PruningBM25:
		return bm25Scores(question, candidates), nil
	case PruningSentenceBERT:
		return e.embeddingScores(ctx, question, candidates)
	default:
		return e.llmScores(ctx, entityScorePromptTemplate, question, trail, candidates)
	}
}

func (e *Engine) llmScores(ctx context.Context, tmpl, question, trail string, candidates []string) (map[string]float64, error) {
	var list strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&list, "- %s\n", c)
	}
	prompt := fmt.Sprintf(tmpl, question, trail, list.String())

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    e.cfg.ExplorationTemp,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}
	scores, err := parseScores(resp.Content)
	if err != nil {
		return nil, err
	}
	return normalizeScores(scores, candidates), nil
}

// normalizeScores fills in a neutral score of 0 for any candidate the
// model omitted, so callers never index a missing key.
func normalizeScores(scores map[string]float64, candidates []string) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c] = scores[c]
	}
	return out
}

// embeddingScores ranks candidates by cosine similarity between their
// embedding and the question's, reusing the engine's embedding
// provider rather than a dedicated similarity model.
func (e *Engine) embeddingScores(ctx context.Context, question string, candidates []string) (map[string]float64, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("sentence_bert pruning requires an embedding provider")
	}
	vectors, err := e.embedder.Embed(ctx, append([]string{question}, candidates...))
	if err != nil {
		return nil, fmt.Errorf("embedding candidates: %w", err)
	}
	if len(vectors) != len(candidates)+1 {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(vectors), len(candidates)+1)
	}
	qvec := vectors[0]
	scores := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		scores[c] = cosineSimilarity(qvec, vectors[i+1])
	}
	return scores, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// bm25Scores ranks candidates against the question using Okapi BM25,
// treating the candidate set itself as the corpus for idf/avgdl
// statistics since there is no persistent index for these short,
// ad-hoc strings.
func bm25Scores(query string, candidates []string) map[string]float64 {
	const k1 = 1.5
	const b = 0.75

	qTokens := bm25Tokens(query)
	docs := make([][]string, len(candidates))
	avgdl := 0.0
	for i, c := range candidates {
		docs[i] = bm25Tokens(c)
		avgdl += float64(len(docs[i]))
	}
	if len(candidates) > 0 {
		avgdl /= float64(len(candidates))
	}

	df := make(map[string]int)
	for _, d := range docs {
		seen := make(map[string]bool)
		for _, t := range d {
			if !seen[t] {
				df[t]++
				seen[t] = true
			}
		}
	}
	n := float64(len(docs))

	scores := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		tf := make(map[string]int)
		for _, t := range docs[i] {
			tf[t]++
		}
		dl := float64(len(docs[i]))
		var score float64
		for _, qt := range qTokens {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			score += idf * (f * (k1 + 1)) / (f + k1*(1-b+b*dl/avgdl))
		}
		scores[c] = score
	}
	return scores
}

const relationScorePromptTemplate = `Score how likely each relation type is to lead toward an answer for this question.

QUESTION: %s

FOUND SO FAR:
%s

CANDIDATE RELATIONS:
%sReturn a JSON object with exactly one key, "scores", mapping each relation name above to a relevance score from 0 to 10. Omit nothing; score irrelevant relations near 0.`

const entityScorePromptTemplate = `Score how likely each entity is to help answer this question, given what has already been found.

QUESTION: %s

FOUND SO FAR:
%s

CANDIDATE ENTITIES:
%sReturn a JSON object with exactly one key, "scores", mapping each entity name above (the part before the colon) to a relevance score from 0 to 10. Omit nothing; score irrelevant entities near 0.`
