package tog

import (
	"encoding/json"
	"fmt"
	"strings"
)

func extractJSONObject(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return raw[start : end+1], nil
}

func parseEntityShortlist(raw string) ([]string, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return nil, fmt.Errorf("parsing entity shortlist json: %w", err)
	}
	return payload.Entities, nil
}

func parseScores(raw string) (map[string]float64, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return nil, fmt.Errorf("parsing scores json: %w", err)
	}
	return payload.Scores, nil
}

func parseSufficiency(raw string) (bool, float64, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return false, 0, err
	}
	var payload struct {
		Sufficient bool    `json:"sufficient"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return false, 0, fmt.Errorf("parsing sufficiency json: %w", err)
	}
	return payload.Sufficient, payload.Confidence, nil
}

func parseSynthesis(raw string) (*Answer, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var a Answer
	if err := json.Unmarshal([]byte(obj), &a); err != nil {
		return nil, fmt.Errorf("parsing synthesis json: %w", err)
	}
	return &a, nil
}
