package globalquery

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

func parseMapResult(raw string) (*MapResult, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var r MapResult
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return nil, fmt.Errorf("parsing map result json: %w", err)
	}
	return &r, nil
}

func parseAnswer(raw string) (Answer, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Answer{}, err
	}
	var a Answer
	if err := json.Unmarshal([]byte(obj), &a); err != nil {
		return Answer{}, fmt.Errorf("parsing answer json: %w", err)
	}
	return a, nil
}
