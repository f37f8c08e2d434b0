package resolve

import (
	"encoding/json"
	"fmt"
	"strings"
)

type resolutionJSON struct {
	AreSame       bool    `json:"are_same"`
	Confidence    float64 `json:"confidence"`
	CanonicalName string  `json:"canonical_name"`
	Reasoning     string  `json:"reasoning"`
}

// parseResolution extracts the JSON object from raw, tolerating
// markdown code fences some models wrap their output in.
func parseResolution(raw string) (Resolution, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Resolution{}, fmt.Errorf("no JSON object found in resolution response")
	}

	var parsed resolutionJSON
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return Resolution{}, fmt.Errorf("parsing resolution json: %w", err)
	}
	return Resolution{
		AreSame:       parsed.AreSame,
		Confidence:    parsed.Confidence,
		CanonicalName: parsed.CanonicalName,
		Reasoning:     parsed.Reasoning,
	}, nil
}
