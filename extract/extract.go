// Package extract implements multi-pass "gleaning" extraction of
// entities, relationships, and claims from a single text unit, using a
// delimited tuple format instead of JSON mode so the same prompt
// supports models with unreliable structured-output modes.
package extract

import (
	"context"
	"fmt"
	"strings"


	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/graphreason/llm"
)

// Entity is a single extracted entity observation, prior to per-chunk
// deduplication.
type Entity struct {
	Name        string
	Type        string
	Description string
	Confidence  float64
}

// Relationship is a single extracted relationship observation, prior
// to per-chunk deduplication.
type Relationship struct {
	Source      string
	Target      string
	Type        string
	Description string
	Weight      float64
	Confidence  float64
}

// Claim is a single extracted factual assertion about one or two
// entities.
type Claim struct {
	Subject     string
	Object      string
	ClaimType   string
	Status      string
	Description string
	StartDate   string
	EndDate     string
}

// Result holds the deduplicated output of extracting a single chunk.
type Result struct {
	Entities      []Entity
	Relationships []Relationship
	Claims        []Claim
}

// Config controls extraction behaviour.
type Config struct {
	EntityTypes         []string
	TupleDelimiter      string
	RecordDelimiter     string
	CompletionDelimiter string

	// MaxGleanings bounds the number of additional extraction rounds
	// after the initial pass.
	MaxGleanings int

	// Concurrency bounds the number of chunks extracted in parallel.
	Concurrency int

	// EnableDescriptionSummarization, when true and an entity has two
	// or more distinct descriptions within a chunk, invokes the LLM once
	// more to consolidate its descriptions into a single one bounded
	// by DescriptionMaxLength.
	EnableDescriptionSummarization bool
	DescriptionMaxLength           int
}

func (c Config) withDefaults() Config {
	if c.TupleDelimiter == "" {
		c.TupleDelimiter = "|||"
	}
	if c.RecordDelimiter == "" {
		c.RecordDelimiter = "\n"
	}
	if c.CompletionDelimiter == "" {
		c.CompletionDelimiter = "<COMPLETE>"
	}
	if c.MaxGleanings <= 0 {
		c.MaxGleanings = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DescriptionMaxLength <= 0 {
		c.DescriptionMaxLength = 120
	}
	if len(c.EntityTypes) == 0 {
		c.EntityTypes = []string{
			"PERSON", "ORGANIZATION", "GEO", "EVENT", "PRODUCT",
			"FACILITY", "WORK_OF_ART", "LAW", "CONCEPT", "OTHER",
		}
	}
	return c
}

// Engine extracts entities, relationships, and claims from text units.
type Engine struct {
	chat llm.Provider
	cfg  Config
}

// NewEngine returns an Engine that sends extraction prompts through chat.
func NewEngine(chat llm.Provider, cfg Config) *Engine {
	return &Engine{chat: chat, cfg: cfg.withDefaults()}
}

// ChunkInput is a single text unit submitted for extraction.
type ChunkInput struct {
	TextUnitID int64
	Text       string
}

// ChunkResult pairs a ChunkInput's identity with its extraction Result.
type ChunkResult struct {
	TextUnitID int64
	Result     Result
}

// ExtractDocument runs ExtractChunk over every chunk, bounded by
// cfg.Concurrency, and returns results in input order. A chunk whose
// extraction fails after retries contributes an empty Result rather
// than aborting the document: missing chunks degrade recall, not
// correctness.
func (e *Engine) ExtractDocument(ctx context.Context, chunks []ChunkInput) ([]ChunkResult, error) {
	results := make([]ChunkResult, len(chunks))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Concurrency)

	for i, chunk := range chunks {
		eg.Go(func() error {
			res, err := e.ExtractChunk(ctx, chunk.Text)
			if err != nil {
				res = Result{}
			}
			results[i] = ChunkResult{TextUnitID: chunk.TextUnitID, Result: res}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExtractChunk runs the initial extraction pass, the gleaning loop, and
// per-chunk deduplication+consolidation for a single chunk of text.
func (e *Engine) ExtractChunk(ctx context.Context, text string) (Result, error) {
	history := []llm.Message{
		{Role: "user", Content: e.buildExtractPrompt(text)},
	}

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{Messages: history, Temperature: 0.0})
	if err != nil {
		return Result{}, fmt.Errorf("initial extraction: %w", err)
	}
	history = append(history, llm.Message{Role: "assistant", Content: resp.Content})

	rawEntities, rawRels, rawClaims := parseRecords(resp.Content, e.cfg)

	for round := 0; round < e.cfg.MaxGleanings; round++ {
		history = append(history, llm.Message{Role: "user", Content: gleanContinuePrompt})
		gresp, err := e.chat.Chat(ctx, llm.ChatRequest{Messages: history, Temperature: 0.0})
		if err != nil {
			break
		}
		history = append(history, llm.Message{Role: "assistant", Content: gresp.Content})

		ents, rels, claims := parseRecords(gresp.Content, e.cfg)
		rawEntities = append(rawEntities, ents...)
		rawRels = append(rawRels, rels...)
		rawClaims = append(rawClaims, claims...)

		decideHistory := append(append([]llm.Message{}, history...), llm.Message{Role: "user", Content: gleanLoopPrompt})
		dresp, err := e.chat.Chat(ctx, llm.ChatRequest{Messages: decideHistory, Temperature: 0.0})
		if err != nil {
			break
		}
		if isComplete(dresp.Content) {
			break
		}
	}

	entities, relationships := dedupe(rawEntities, rawRels)
	if e.cfg.EnableDescriptionSummarization {
		entities = e.consolidateDescriptions(ctx, entities)
	}
	return Result{Entities: entities, Relationships: relationships, Claims: dedupeClaims(rawClaims)}, nil
}

func isComplete(raw string) bool {
	answer := strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"'`)))
	return strings.HasPrefix(answer, "y")
}

// consolidateDescriptions summarizes entities with two or more distinct
// joined descriptions into a single coherent one.
func (e *Engine) consolidateDescriptions(ctx context.Context, entities []Entity) []Entity {
	out := make([]Entity, len(entities))
	copy(out, entities)
	for i, ent := range out {
		if len(strings.Split(ent.Description, descriptionJoinSeparator)) < 2 {
			continue
		}
		prompt := fmt.Sprintf(summarizeDescriptionPrompt, ent.Name, ent.Description, e.cfg.DescriptionMaxLength)
		resp, err := e.chat.Chat(ctx, llm.ChatRequest{
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			Temperature: 0.3,
		})
		if err != nil {
			continue
		}
		summary := strings.TrimSpace(resp.Content)
		if summary != "" {
			out[i].Description = summary
		}
	}
	return out
}

const descriptionJoinSeparator = " | "

const gleanContinuePrompt = `Some entities and relationships may have been missed in the previous extraction. Using the same record format and delimiters as before, return ONLY the additional records that were missed. If nothing was missed, return nothing.`

const gleanLoopPrompt = `Is the extraction now complete, with no further entities or relationships to add? Answer with exactly one word: Y or N.`

const summarizeDescriptionPrompt = `The entity %q has multiple descriptions collected from different parts of a document, separated by " | ":

%s

Write a single coherent description that combines them, no longer than %d characters. Return only the description text, nothing else.`

func (e *Engine) buildExtractPrompt(text string) string {
	d := e.cfg.TupleDelimiter
	var b strings.Builder
	b.WriteString("You are an information-extraction engine. Given a text, identify all entities, the relationships between them, and any factual claims they make.\n\n")
	b.WriteString("ENTITY TYPES:\n")
	for _, t := range e.cfg.EntityTypes {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nOutput one record per line. Each record's fields are separated by %q. Lines are separated by %q. When there is nothing left to extract, emit a final line containing exactly %q.\n\n", d, e.cfg.RecordDelimiter, e.cfg.CompletionDelimiter)
	b.WriteString("Record formats:\n")
	fmt.Fprintf(&b, "entity%sNAME%sTYPE%sDESCRIPTION\n", d, d, d)
	fmt.Fprintf(&b, "relationship%sSOURCE%sTARGET%sRELATION_TYPE%sDESCRIPTION%sWEIGHT\n", d, d, d, d, d)
	fmt.Fprintf(&b, "claim%sSUBJECT%sOBJECT%sCLAIM_TYPE%sSTATUS%sDESCRIPTION%sSTART_DATE%sEND_DATE\n\n", d, d, d, d, d, d)
	b.WriteString("Rules:\n")
	b.WriteString("- Names and subjects/objects must be lowercase.\n")
	b.WriteString("- WEIGHT is a float between 0.0 and 1.0.\n")
	b.WriteString("- STATUS is one of TRUE, FALSE, SUSPECTED.\n")
	b.WriteString("- OBJECT, START_DATE, END_DATE may be empty strings when not applicable.\n")
	b.WriteString("- Only emit records clearly supported by the text.\n")
	fmt.Fprintf(&b, "- Do not emit any text other than records and the final %q line.\n\n", e.cfg.CompletionDelimiter)
	b.WriteString("TEXT:\n")
	b.WriteString(text)
	return b.String()
}
