package extract

import (
	"strconv"
	"strings"
)

// parseRecords splits raw LLM output into entity, relationship, and
// claim records using the configured delimiters. Malformed records
// (wrong tag, wrong field count, unparseable numbers) are discarded
// silently; extraction degrades gracefully rather than failing the
// whole chunk over one bad line.
func parseRecords(raw string, cfg Config) ([]Entity, []Relationship, []Claim) {
	if idx := strings.Index(raw, cfg.CompletionDelimiter); idx >= 0 {
		raw = raw[:idx]
	}

	var entities []Entity
	var rels []Relationship
	var claims []Claim

	for _, line := range strings.Split(raw, cfg.RecordDelimiter) {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, "()")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, cfg.TupleDelimiter)
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "entity":
			if len(fields) < 4 {
				continue
			}
			entities = append(entities, Entity{
				Name:        strings.ToLower(fields[1]),
				Type:        strings.ToLower(fields[2]),
				Description: fields[3],
				Confidence:  0.9,
			})
		case "relationship":
			if len(fields) < 6 {
				continue
			}
			weight, err := strconv.ParseFloat(fields[5], 64)
			if err != nil {
				continue
			}
			rels = append(rels, Relationship{
				Source:      strings.ToLower(fields[1]),
				Target:      strings.ToLower(fields[2]),
				Type:        strings.ToLower(fields[3]),
				Description: fields[4],
				Weight:      weight,
				Confidence:  0.9,
			})
		case "claim":
			if len(fields) < 8 {
				continue
			}
			claims = append(claims, Claim{
				Subject:     strings.ToLower(fields[1]),
				Object:      strings.ToLower(fields[2]),
				ClaimType:   fields[3],
				Status:      strings.ToUpper(fields[4]),
				Description: fields[5],
				StartDate:   fields[6],
				EndDate:     fields[7],
			})
		}
	}
	return entities, rels, claims
}

// dedupe merges entity observations sharing a case-insensitive
// (name, type) key and relationship observations sharing a
// case-insensitive (source, target, type) key, per §4.2's per-chunk
// deduplication rule: descriptions joined, entity confidence
// averaged, relationship weight maximized.
func dedupe(entities []Entity, rels []Relationship) ([]Entity, []Relationship) {
	type entKey struct{ name, typ string }
	entOrder := make([]entKey, 0, len(entities))
	entByKey := make(map[entKey]*Entity)
	entCount := make(map[entKey]int)

	for _, e := range entities {
		k := entKey{name: e.Name, typ: e.Type}
		if existing, ok := entByKey[k]; ok {
			if !strings.Contains(existing.Description, e.Description) {
				existing.Description = joinDescriptions(existing.Description, e.Description)
			}
			prior := entCount[k]
			entCount[k] = prior + 1
			existing.Confidence = (existing.Confidence*float64(prior) + e.Confidence) / float64(prior+1)
			continue
		}
		cp := e
		entByKey[k] = &cp
		entCount[k] = 1
		entOrder = append(entOrder, k)
	}
	mergedEntities := make([]Entity, 0, len(entOrder))
	for _, k := range entOrder {
		mergedEntities = append(mergedEntities, *entByKey[k])
	}

	type relKey struct{ source, target, typ string }
	relOrder := make([]relKey, 0, len(rels))
	relByKey := make(map[relKey]*Relationship)

	for _, r := range rels {
		k := relKey{source: r.Source, target: r.Target, typ: r.Type}
		if existing, ok := relByKey[k]; ok {
			if !strings.Contains(existing.Description, r.Description) {
				existing.Description = joinDescriptions(existing.Description, r.Description)
			}
			if r.Weight > existing.Weight {
				existing.Weight = r.Weight
			}
			if r.Confidence > existing.Confidence {
				existing.Confidence = r.Confidence
			}
			continue
		}
		cp := r
		relByKey[k] = &cp
		relOrder = append(relOrder, k)
	}
	mergedRels := make([]Relationship, 0, len(relOrder))
	for _, k := range relOrder {
		mergedRels = append(mergedRels, *relByKey[k])
	}

	return mergedEntities, mergedRels
}

// dedupeClaims drops exact duplicate claims (same subject, object,
// type, description) observed across the initial pass and gleaning
// rounds.
func dedupeClaims(claims []Claim) []Claim {
	type key struct{ subject, object, typ, desc string }
	seen := make(map[key]bool, len(claims))
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		k := key{c.Subject, c.Object, c.ClaimType, c.Description}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}

func joinDescriptions(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + descriptionJoinSeparator + b
}
