package tog

import (
	"context"
	"fmt"
	"strings"

	"github.com/brunobiangulo/graphreason/llm"
)

const maxExcerptChars = 500
const maxTripletContexts = 3

// checkSufficiency asks whether the trail gathered so far already
// supports answering the question, used as an early exit once depth
// >= 1.
func (e *Engine) checkSufficiency(ctx context.Context, question, trail string) (bool, float64, error) {
	prompt := fmt.Sprintf(sufficiencyPromptTemplate, question, trail)
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    e.cfg.ReasoningTemp,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return false, 0, err
	}
	return parseSufficiency(resp.Content)
}

// directAnswer is the fallback used when exploration produced no
// triplets at all: answer from the model's own knowledge, clearly
// unsupported by the graph.
func (e *Engine) directAnswer(ctx context.Context, question string) (string, error) {
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(directAnswerPromptTemplate, question)}},
		Temperature: e.cfg.ReasoningTemp,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// synthesize renders the gathered triplets and enrichment text into a
// final cited answer.
func (e *Engine) synthesize(ctx context.Context, question string, triplets []Triplet, enrichment []string) (*Answer, error) {
	var trail strings.Builder
	for _, t := range triplets {
		fmt.Fprintf(&trail, "%s --[%s: %s]--> %s\n", t.Subject, t.Relation, truncateExcerpt(firstExcerpt(t.SourceTexts)), t.Object)
	}

	contextCount := 0
	var contexts strings.Builder
	for _, t := range triplets {
		if contextCount >= maxTripletContexts {
			break
		}
		for _, ex := range t.SourceTexts {
			if contextCount >= maxTripletContexts {
				break
			}
			fmt.Fprintf(&contexts, "- %s\n", truncateExcerpt(ex))
			contextCount++
		}
	}
	for i, ex := range enrichment {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&contexts, "- %s\n", truncateExcerpt(ex))
	}

	prompt := fmt.Sprintf(synthesisPromptTemplate, question, trail.String(), contexts.String())
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    e.cfg.ReasoningTemp,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}
	answer, err := parseSynthesis(resp.Content)
	if err != nil {
		return nil, err
	}
	answer.Confidence = blendConfidence(answer.Confidence, heuristicConfidence(answer.Answer, triplets, answer.Grounding))
	return answer, nil
}

func firstExcerpt(texts []string) string {
	if len(texts) == 0 {
		return ""
	}
	return texts[0]
}

func truncateExcerpt(s string) string {
	if len(s) <= maxExcerptChars {
		return s
	}
	return s[:maxExcerptChars] + "..."
}

const sufficiencyPromptTemplate = `Given the exploration trail gathered so far, decide whether it already contains enough to answer the question.

QUESTION: %s

TRAIL SO FAR:
%s
Return a JSON object with exactly these keys: "sufficient" (true/false) and "confidence" (0 to 1, how confident you are that the trail supports a complete answer).`

const directAnswerPromptTemplate = `Answer the following question as best you can. No supporting documents were found in the knowledge graph for this question, so answer from general knowledge and keep it brief.

QUESTION: %s`

const synthesisPromptTemplate = `Answer the question using the relation trail and supporting excerpts gathered by graph exploration.

QUESTION: %s

RELATION TRAIL:
%s
SUPPORTING EXCERPTS:
%s
Return a JSON object with exactly these keys:
  "answer": the final answer text
  "reasoning_chain": an array of short strings, one per reasoning step, tracing how the trail leads to the answer
  "confidence": a number from 0 to 1
  "grounding": an array of the relation-trail lines or excerpts that most directly support the answer
  "limitations": an array of short strings noting what the trail does NOT establish

Do not include any text outside the JSON object.`
