package community

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/store"
)

// SummarizerConfig controls report generation.
type SummarizerConfig struct {
	Concurrency   int
	MaxMembers    int
	MaxClaims     int
	Temperature   float64
}

func (c SummarizerConfig) withDefaults() SummarizerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxMembers <= 0 {
		c.MaxMembers = 25
	}
	if c.MaxClaims <= 0 {
		c.MaxClaims = 10
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	return c
}

// Summarizer generates structured community reports via an LLM.
type Summarizer struct {
	st   *store.Store
	chat llm.Provider
	cfg  SummarizerConfig
}

// NewSummarizer returns a Summarizer.
func NewSummarizer(st *store.Store, chat llm.Provider, cfg SummarizerConfig) *Summarizer {
	return &Summarizer{st: st, chat: chat, cfg: cfg.withDefaults()}
}

// Summarize generates and stores a structured report for every
// community in communities, up to cfg.Concurrency at a time. A
// community whose report generation or parsing fails (even after one
// retry) is logged and left with an empty report; the operation as a
// whole does not fail.
func (s *Summarizer) Summarize(ctx context.Context, communities []store.Community) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Concurrency)

	for _, c := range communities {
		eg.Go(func() error {
			if err := s.summarizeOne(ctx, c); err != nil {
				slog.Warn("community summarization failed", "community_id", c.ID, "error", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (s *Summarizer) summarizeOne(ctx context.Context, c store.Community) error {
	members, err := s.st.CommunityMembers(ctx, c.ID, s.cfg.MaxMembers)
	if err != nil {
		return fmt.Errorf("loading members: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	memberIDs := make([]int64, len(members))
	memberSet := make(map[int64]bool, len(members))
	for i, m := range members {
		memberIDs[i] = m.ID
		memberSet[m.ID] = true
	}

	rels, err := s.st.AllRelationships(ctx)
	if err != nil {
		return fmt.Errorf("loading relationships: %w", err)
	}
	var internal []store.Relationship
	for _, r := range rels {
		if memberSet[r.SourceEntityID] && memberSet[r.TargetEntityID] {
			internal = append(internal, r)
		}
	}

	claims, err := s.st.ClaimsAbout(ctx, memberIDs, s.cfg.MaxClaims)
	if err != nil {
		return fmt.Errorf("loading claims: %w", err)
	}

	prompt := buildReportPrompt(members, internal, claims)

	report, err := s.requestReport(ctx, prompt)
	if err != nil {
		report, err = s.requestReport(ctx, prompt)
		if err != nil {
			return fmt.Errorf("requesting report (after retry): %w", err)
		}
	}

	return s.st.UpdateCommunityReport(ctx, c.ID, report)
}

func (s *Summarizer) requestReport(ctx context.Context, prompt string) (store.Community, error) {
	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    s.cfg.Temperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return store.Community{}, fmt.Errorf("llm chat: %w", err)
	}
	return parseReport(resp.Content)
}

func buildReportPrompt(members []store.Entity, rels []store.Relationship, claims []store.Claim) string {
	byID := make(map[int64]store.Entity, len(members))
	var entityLines strings.Builder
	for _, m := range members {
		byID[m.ID] = m
		if m.Description != "" {
			fmt.Fprintf(&entityLines, "- %s (%s): %s\n", m.Name, m.EntityType, m.Description)
		} else {
			fmt.Fprintf(&entityLines, "- %s (%s)\n", m.Name, m.EntityType)
		}
	}

	var relLines strings.Builder
	for _, r := range rels {
		src, ok1 := byID[r.SourceEntityID]
		tgt, ok2 := byID[r.TargetEntityID]
		if !ok1 || !ok2 {
			continue
		}
		fmt.Fprintf(&relLines, "- %s %s %s: %s\n", src.Name, r.RelationType, tgt.Name, r.Description)
	}

	var claimLines strings.Builder
	for _, c := range claims {
		fmt.Fprintf(&claimLines, "- [%s] %s: %s\n", c.Status, c.SubjectName, c.Description)
	}
	if claimLines.Len() == 0 {
		claimLines.WriteString("(none)\n")
	}

	return fmt.Sprintf(reportPromptTemplate, entityLines.String(), relLines.String(), claimLines.String())
}

const reportPromptTemplate = `You are analyzing a cluster of related entities extracted from a knowledge graph. Use ONLY the information given below; do not introduce outside knowledge.

ENTITIES:
%s
RELATIONSHIPS:
%s
CLAIMS:
%s
Return a JSON object with exactly these keys:
  "title": a short descriptive name for this cluster
  "summary": 2-4 sentences explaining what connects these entities
  "rating": a number from 0 to 10 rating how important this cluster is
  "rating_explanation": one sentence justifying the rating
  "themes": an array of short theme strings
  "significance": one of "high", "medium", "low"
  "findings": an array of {"summary": string, "explanation": string} objects, each grounded in the entities/relationships/claims above

Do not include any text outside the JSON object.`

type reportJSON struct {
	Title             string         `json:"title"`
	Summary           string         `json:"summary"`
	Rating            float64        `json:"rating"`
	RatingExplanation string         `json:"rating_explanation"`
	Themes            []string       `json:"themes"`
	Significance      string         `json:"significance"`
	Findings          []store.Finding `json:"findings"`
}

func parseReport(raw string) (store.Community, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return store.Community{}, fmt.Errorf("no JSON object found in report response")
	}

	var parsed reportJSON
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return store.Community{}, fmt.Errorf("parsing report json: %w", err)
	}
	return store.Community{
		Title:             parsed.Title,
		Summary:           parsed.Summary,
		Rating:            parsed.Rating,
		RatingExplanation: parsed.RatingExplanation,
		Themes:            parsed.Themes,
		Significance:      parsed.Significance,
		Findings:          parsed.Findings,
	}, nil
}
