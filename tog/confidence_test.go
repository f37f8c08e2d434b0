package tog

import "testing"

func TestTripletCoverageScoreCountsMentionedNames(t *testing.T) {
	triplets := []Triplet{
		{Subject: "Boiler", Relation: "rated_for", Object: "200 PSI"},
		{Subject: "Tank", Relation: "rated_for", Object: "unrelated"},
	}
	score := tripletCoverageScore("The Boiler is rated for 200 PSI.", triplets)
	if score != 0.5 {
		t.Errorf("expected coverage 0.5 (1 of 2 triplets referenced), got %v", score)
	}
}

func TestTripletCoverageScoreNoTriplets(t *testing.T) {
	if score := tripletCoverageScore("anything", nil); score != 0 {
		t.Errorf("expected 0 with no triplets, got %v", score)
	}
}

func TestGroundingHitRateScoreVerifiesKnownLines(t *testing.T) {
	triplets := []Triplet{{Subject: "Boiler", Object: "200 PSI"}}
	score := groundingHitRateScore([]string{"Boiler --[rated_for]--> 200 PSI"}, triplets)
	if score != 1.0 {
		t.Errorf("expected the grounding line to verify, got %v", score)
	}
}

func TestGroundingHitRateScoreNoCitations(t *testing.T) {
	if score := groundingHitRateScore(nil, []Triplet{{Subject: "x"}}); score != 0.5 {
		t.Errorf("expected neutral 0.5 for no citations, got %v", score)
	}
}

func TestSelfConsistencyScorePenalizesHedging(t *testing.T) {
	score := selfConsistencyScore("It's unclear whether this applies.")
	if score >= 1.0 {
		t.Errorf("expected a penalty for hedging language, got %v", score)
	}
}

func TestAnswerLengthScoreRewardsSubstantiveAnswers(t *testing.T) {
	short := answerLengthScore("yes")
	long := answerLengthScore("this is a much longer answer with considerably more words in it to substantiate the claim being made here today")
	if long <= short {
		t.Errorf("expected longer substantive answer to score higher: short=%v long=%v", short, long)
	}
}

func TestBlendConfidenceWeightsModelHigher(t *testing.T) {
	blended := blendConfidence(1.0, 0.0)
	if blended != 0.6 {
		t.Errorf("expected blend of 0.6, got %v", blended)
	}
}
