package retrieval

import (
	"strings"
	"unicode"
)


// sanitizeFTSQuery escapes special FTS5 syntax characters and builds
// a basic OR query from the input terms.
func sanitizeFTSQuery(query string) string {
	// Remove FTS5 special characters
	replacer := strings.NewReplacer(
		"\"", "",
		"*", "",
		"(", "",
		")", "",
		"+", "",
		"-", "",
		"^", "",
		":", "",
		"?", "",
		"[", "",
		"]", "",
		"{", "",
		"}", "",
		"!", "",
		".", "",
		",", "",
		";", "",
	)
	cleaned := replacer.Replace(query)

	// Split into words and join with OR for broader matching
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return query
	}

	// Use quoted phrase for exact matches plus individual terms
	var parts []string
	if len(words) > 1 {
		// Add the full phrase
		parts = append(parts, "\""+strings.Join(words, " ")+"\"")
	}
	// Add individual significant words (skip short common words)
	for _, w := range words {
		if len(w) > 2 && !isStopWord(w) {
			parts = append(parts, w)
		}
	}

	if len(parts) == 0 {
		return strings.Join(words, " OR ")
	}
	return strings.Join(parts, " OR ")
}

// extractQueryEntities does simple entity extraction from a query string:
// quoted terms, capitalized multi-word phrases, and significant
// individual words. extra contains additional terms to add as entity
// candidates regardless of casing (used for hint-pattern matches a
// caller has already pulled out of the query).
func extractQueryEntities(query string, extra []string) []string {
	var entities []string
	seen := make(map[string]bool)

	add := func(s string) {
		s = strings.TrimSpace(s)
		lower := strings.ToLower(s)
		if s != "" && !seen[lower] && len(s) > 1 {
			seen[lower] = true
			entities = append(entities, s)
		}
	}

	// Extract quoted terms
	inQuote := false
	var quoted strings.Builder
	for _, r := range query {
		if r == '"' || r == '\'' {
			if inQuote {
				add(quoted.String())
				quoted.Reset()
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			quoted.WriteRune(r)
		}
	}

	// Extract capitalized multi-word phrases
	words := strings.Fields(query)
	var phrase []string
	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if clean == "" {
			continue
		}

		firstRune := []rune(clean)[0]
		if unicode.IsUpper(firstRune) && !isStopWord(strings.ToLower(clean)) {
			phrase = append(phrase, clean)
		} else {
			if len(phrase) > 0 {
				add(strings.Join(phrase, " "))
				phrase = nil
			}
		}
	}
	if len(phrase) > 0 {
		add(strings.Join(phrase, " "))
	}

	// Also add significant individual words as potential entity names,
	// regardless of casing, so lowercase-stored entity names still match.
	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if len(clean) > 3 && !isStopWord(strings.ToLower(clean)) {
			add(clean)
		}
	}

	for _, t := range extra {
		add(t)
	}

	return entities
}

// isSynthesisQuery returns true if the query has exhaustive intent —
// asking for ALL items, every reference, complete lists, etc.
// These queries benefit from a wider retrieval window because relevant
// facts are scattered across many topically distant chunks.
func isSynthesisQuery(query string) bool {
	lower := strings.ToLower(query)

	// Explicit exhaustive-intent phrases.
	exhaustivePatterns := []string{
		"all the", "all of the", "every ", "each of",
		"complete list", "comprehensive", "list all",
		"all references", "what are all", "name all",
		"list every", "list each", "enumerate",
		"full list", "entire list",
		"every single",
	}
	for _, p := range exhaustivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	// Long queries (15+ words) with multiple question keywords suggest
	// broad synthesis questions rather than point lookups.
	words := strings.Fields(lower)
	if len(words) >= 15 {
		qWords := 0
		for _, w := range words {
			switch w {
			case "what", "which", "how", "where", "when", "why", "list", "describe", "name":
				qWords++
			}
		}
		if qWords >= 2 {
			return true
		}
	}

	return false
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}
