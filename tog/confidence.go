package tog

import "strings"

// confidenceWeights controls the relative importance of each grounding
// heuristic blended with the model's own self-reported confidence.
type confidenceWeights struct {
	TripletCoverage  float64
	GroundingHitRate float64
	SelfConsistency  float64
	AnswerLength     float64
}

func defaultConfidenceWeights() confidenceWeights {
	return confidenceWeights{
		TripletCoverage:  0.3,
		GroundingHitRate: 0.3,
		SelfConsistency:  0.25,
		AnswerLength:     0.15,
	}
}

// heuristicConfidence scores how well the answer text is actually
// grounded in the triplet trail that produced it, independent of
// whatever confidence the model itself reported.
func heuristicConfidence(answer string, triplets []Triplet, grounding []string) float64 {
	w := defaultConfidenceWeights()
	tc := tripletCoverageScore(answer, triplets)
	gh := groundingHitRateScore(grounding, triplets)
	sc := selfConsistencyScore(answer)
	al := answerLengthScore(answer)

	score := tc*w.TripletCoverage + gh*w.GroundingHitRate + sc*w.SelfConsistency + al*w.AnswerLength
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// blendConfidence combines the model's self-reported confidence with
// the independent heuristic score, weighting the model's own judgment
// more heavily since it has seen the full context.
func blendConfidence(modelConfidence, heuristic float64) float64 {
	blended := 0.6*modelConfidence + 0.4*heuristic
	if blended < 0 {
		return 0
	}
	if blended > 1 {
		return 1
	}
	return blended
}

// tripletCoverageScore measures what fraction of the (up to 5 most
// recent) triplets' subject or object names are actually mentioned in
// the answer.
func tripletCoverageScore(answer string, triplets []Triplet) float64 {
	if len(triplets) == 0 {
		return 0
	}
	lower := strings.ToLower(answer)
	checkCount := len(triplets)
	if checkCount > 5 {
		checkCount = 5
	}
	recent := triplets[len(triplets)-checkCount:]

	referenced := 0
	for _, t := range recent {
		if t.Subject != "" && strings.Contains(lower, strings.ToLower(t.Subject)) {
			referenced++
			continue
		}
		if t.Object != "" && strings.Contains(lower, strings.ToLower(t.Object)) {
			referenced++
		}
	}
	return float64(referenced) / float64(checkCount)
}

// groundingHitRateScore measures what fraction of the cited grounding
// lines actually correspond to a real triplet excerpt or relation
// trail line, rather than a fabricated citation.
func groundingHitRateScore(grounding []string, triplets []Triplet) float64 {
	if len(grounding) == 0 {
		return 0.5 // neutral if the model cited nothing
	}
	knownLines := make(map[string]bool, len(triplets)*2)
	for _, t := range triplets {
		knownLines[strings.ToLower(t.Subject)] = true
		knownLines[strings.ToLower(t.Object)] = true
		for _, ex := range t.SourceTexts {
			knownLines[strings.ToLower(ex)] = true
		}
	}

	verified := 0
	for _, g := range grounding {
		lower := strings.ToLower(g)
		for known := range knownLines {
			if known != "" && strings.Contains(lower, known) {
				verified++
				break
			}
		}
	}
	return float64(verified) / float64(len(grounding))
}

// selfConsistencyScore penalizes contradictory or hedging language.
func selfConsistencyScore(answer string) float64 {
	lower := strings.ToLower(answer)
	score := 1.0

	contradictions := []string{
		"on the other hand",
		"however, it also",
		"contradicts",
		"inconsistent",
	}
	for _, c := range contradictions {
		if strings.Contains(lower, c) {
			score -= 0.15
		}
	}

	uncertainties := []string{
		"i'm not sure",
		"it's unclear",
		"cannot determine",
		"insufficient information",
		"not enough context",
	}
	for _, u := range uncertainties {
		if strings.Contains(lower, u) {
			score -= 0.2
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

// answerLengthScore gives higher scores to substantive answers.
func answerLengthScore(answer string) float64 {
	words := len(strings.Fields(answer))
	switch {
	case words < 10:
		return 0.2
	case words < 30:
		return 0.5
	case words < 100:
		return 0.8
	case words < 500:
		return 1.0
	default:
		return 0.9
	}
}
