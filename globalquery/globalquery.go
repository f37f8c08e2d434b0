// Package globalquery answers dataset-wide questions by batching every
// ranked community report into a parallel Map pass and reducing the
// surviving intermediates into one cited answer.
package globalquery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/graphreason/chunker"
	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// Config controls batching, fan-out, and the noise-filtering threshold.
type Config struct {
	BatchTokenLimit int
	Concurrency     int
	MinImportance   float64
	Temperature     float64
}

func (c Config) withDefaults() Config {
	if c.BatchTokenLimit <= 0 {
		c.BatchTokenLimit = 8000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	return c
}

// MapResult is one batch's intermediate answer.
type MapResult struct {
	BatchSummary    string   `json:"batch_summary"`
	ImportanceScore float64  `json:"importance_score"`
	KeyFindings     []string `json:"key_findings"`
	Limitations     []string `json:"limitations"`
	CommunityIDs    []int64  `json:"-"`
}

// Answer is the reduced, cited final answer.
type Answer struct {
	Text       string  `json:"text"`
	Citations  []int64 `json:"citations"`
	Confidence float64 `json:"confidence"`
}

// Engine runs the batch -> parallel-map -> reduce flow.
type Engine struct {
	chat llm.Provider
	cfg  Config
}

// New creates a global-query Engine.
func New(chat llm.Provider, cfg Config) *Engine {
	return &Engine{chat: chat, cfg: cfg.withDefaults()}
}

// Query answers question over the globally ranked community list.
// Map calls run up to cfg.Concurrency at a time; an individual batch
// that fails even after one retry is dropped, not fatal. If every Map
// call fails, or every surviving intermediate has importance_score=0,
// Query returns an error.
func (e *Engine) Query(ctx context.Context, question string, communities []store.Community) (Answer, error) {
	if len(communities) == 0 {
		return Answer{}, fmt.Errorf("globalquery: no communities to query")
	}

	batches := batchCommunities(communities, e.cfg.BatchTokenLimit)
	slog.Debug("globalquery: batched communities", "communities", len(communities), "batches", len(batches))

	results := make([]*MapResult, len(batches))
	var mu sync.Mutex
	var mapErrs int

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Concurrency)

	for i, batch := range batches {
		eg.Go(func() error {
			r, err := e.mapBatch(ctx, question, batch)
			if err != nil {
				r, err = e.mapBatch(ctx, question, batch)
			}
			if err != nil {
				slog.Warn("globalquery: map batch failed after retry", "batch", i, "error", err)
				mu.Lock()
				mapErrs++
				mu.Unlock()
				return nil
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Answer{}, fmt.Errorf("map phase: %w", err)
	}

	if mapErrs == len(batches) {
		return Answer{}, fmt.Errorf("globalquery: all %d map calls failed", len(batches))
	}

	var surviving []*MapResult
	for _, r := range results {
		if r == nil || r.ImportanceScore <= e.cfg.MinImportance {
			continue
		}
		surviving = append(surviving, r)
	}
	if len(surviving) == 0 {
		return Answer{}, fmt.Errorf("globalquery: no intermediate results survived importance filtering")
	}

	return e.reduce(ctx, question, surviving)
}

func (e *Engine) mapBatch(ctx context.Context, question string, batch []store.Community) (*MapResult, error) {
	prompt := buildBatchPrompt(question, batch)
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    e.cfg.Temperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	r, err := parseMapResult(resp.Content)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	r.CommunityIDs = ids
	return r, nil
}

func (e *Engine) reduce(ctx context.Context, question string, intermediates []*MapResult) (Answer, error) {
	prompt := buildReducePrompt(question, intermediates)
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    e.cfg.Temperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Answer{}, fmt.Errorf("llm chat: %w", err)
	}
	return parseAnswer(resp.Content)
}

// batchCommunities packs communities into batches so each batch's
// formatted text stays within tokenLimit, accumulating greedily in
// the given order. A single community larger than tokenLimit still
// gets its own batch rather than being dropped.
func batchCommunities(communities []store.Community, tokenLimit int) [][]store.Community {
	var batches [][]store.Community
	var current []store.Community
	tokens := 0

	for _, c := range communities {
		t := chunker.EstimateTokens(formatCommunity(c))
		if len(current) > 0 && tokens+t > tokenLimit {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
		current = append(current, c)
		tokens += t
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func formatCommunity(c store.Community) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Community %d (%s): %s\n", c.ID, c.Title, c.Summary)
	for _, f := range c.Findings {
		fmt.Fprintf(&b, "  - %s: %s\n", f.Summary, f.Explanation)
	}
	return b.String()
}

func buildBatchPrompt(question string, batch []store.Community) string {
	var communityText strings.Builder
	for _, c := range batch {
		communityText.WriteString(formatCommunity(c))
	}
	return fmt.Sprintf(batchSummaryPromptTemplate, question, communityText.String())
}

func buildReducePrompt(question string, intermediates []*MapResult) string {
	var b strings.Builder
	for i, r := range intermediates {
		fmt.Fprintf(&b, "Intermediate %d (importance %.1f): %s\n", i+1, r.ImportanceScore, r.BatchSummary)
		for _, f := range r.KeyFindings {
			fmt.Fprintf(&b, "  - finding: %s\n", f)
		}
		for _, l := range r.Limitations {
			fmt.Fprintf(&b, "  - limitation: %s\n", l)
		}
		fmt.Fprintf(&b, "  - community ids: %v\n", r.CommunityIDs)
	}
	return fmt.Sprintf(finalSynthesisPromptTemplate, question, b.String())
}

const batchSummaryPromptTemplate = `You are answering a question using a batch of community reports from a knowledge graph. Use ONLY the information given below.

QUESTION: %s

COMMUNITY REPORTS:
%s
Return a JSON object with exactly these keys:
  "batch_summary": a summary of what this batch of reports says relevant to the question
  "importance_score": a number from 0 to 10 rating how relevant this batch is to the question; use 0 if the batch has no bearing on the question at all
  "key_findings": an array of short finding strings grounded in the reports above
  "limitations": an array of short strings noting what this batch does NOT cover

Do not include any text outside the JSON object.`

const finalSynthesisPromptTemplate = `You are synthesizing a final answer to a question from several intermediate batch summaries, each already filtered for relevance.

QUESTION: %s

INTERMEDIATE SUMMARIES:
%s
Return a JSON object with exactly these keys:
  "text": the final answer, citing community ids inline like [Community 12] where a claim is grounded
  "citations": an array of the community ids actually cited in the text
  "confidence": a number from 0 to 1 rating overall confidence in the answer

Do not include any text outside the JSON object.`
