package pronounce

import (
	"strings"
	"testing"

	"github.com/callpilot/callpilot/pkg/types"
)

func TestScore_StaysWithinBounds(t *testing.T) {
	s := NewScorer()

	tests := []types.Transcript{
		{},
		{Text: "hi", Confidence: 1.0},
		{Text: "incomprehensibility characteristically phenomenological", Confidence: 0.1},
		{Text: strings.Repeat("extraordinarily ", 20), Confidence: 0.0},
	}
	for _, tr := range tests {
		sample := s.Score(tr)
		if sample.Score < 0 || sample.Score > 100 {
			t.Errorf("Score(%q) = %d, want 0..100", tr.Text, sample.Score)
		}
	}
}

func TestScore_HighConfidenceSimpleText(t *testing.T) {
	s := NewScorer()

	sample := s.Score(types.Transcript{Text: "we can do that for you", Confidence: 0.95})
	if sample.Score < 85 {
		t.Errorf("Score = %d, want >= 85 for clear simple speech", sample.Score)
	}
	if sample.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want provider value passed through", sample.Confidence)
	}
}

func TestScore_FallsBackToWordConfidence(t *testing.T) {
	s := NewScorer()

	sample := s.Score(types.Transcript{
		Text: "two units",
		Words: []types.WordDetail{
			{Word: "two", Confidence: 0.8},
			{Word: "units", Confidence: 0.6},
		},
	})
	if sample.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want mean word confidence 0.7", sample.Confidence)
	}
}

func TestSummary_NoSamples(t *testing.T) {
	s := NewScorer()

	if _, ok := s.Summary(); ok {
		t.Error("Summary() ok = true with no scored utterances")
	}
}

func TestSummary_OverallIsMeanOfSamples(t *testing.T) {
	s := NewScorer()

	a := s.Score(types.Transcript{Text: "sure thing", Confidence: 0.95})
	b := s.Score(types.Transcript{Text: "let me check on that", Confidence: 0.80})

	sum, ok := s.Summary()
	if !ok {
		t.Fatal("Summary() ok = false after scoring")
	}
	if sum.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2", sum.SampleCount)
	}
	if want := (a.Score + b.Score) / 2; sum.Overall != want {
		t.Errorf("Overall = %d, want %d", sum.Overall, want)
	}
}

func TestSummary_RepeatedProblemWordIsCalledOut(t *testing.T) {
	s := NewScorer()

	// The same word recognised poorly twice must show up in the articulation
	// recommendation; a one-off miss must not.
	for i := 0; i < 2; i++ {
		s.Score(types.Transcript{
			Text:       "the generator delivery",
			Confidence: 0.9,
			Words: []types.WordDetail{
				{Word: "the", Confidence: 0.95},
				{Word: "generator", Confidence: 0.55},
				{Word: "delivery", Confidence: 0.9},
			},
		})
	}
	s.Score(types.Transcript{
		Text:       "saturday works",
		Confidence: 0.9,
		Words: []types.WordDetail{
			{Word: "saturday", Confidence: 0.6},
			{Word: "works", Confidence: 0.9},
		},
	})

	sum, ok := s.Summary()
	if !ok {
		t.Fatal("Summary() ok = false")
	}
	joined := strings.Join(sum.Recommendations, " ")
	if !strings.Contains(joined, "generator") {
		t.Errorf("recommendations %q missing repeated problem word", joined)
	}
	if strings.Contains(joined, "saturday") {
		t.Errorf("recommendations %q include a word missed only once", joined)
	}
}

func TestSummary_LowConfidenceMajorityGetsClarityHint(t *testing.T) {
	s := NewScorer()

	s.Score(types.Transcript{Text: "yes", Confidence: 0.5})
	s.Score(types.Transcript{Text: "okay", Confidence: 0.6})
	s.Score(types.Transcript{Text: "sure", Confidence: 0.95})

	sum, _ := s.Summary()
	found := false
	for _, r := range sum.Recommendations {
		if strings.Contains(r, "Clarity") {
			found = true
		}
	}
	if !found {
		t.Errorf("recommendations %v missing clarity hint", sum.Recommendations)
	}
}

func TestSummary_CleanCallGetsPraise(t *testing.T) {
	s := NewScorer()

	for i := 0; i < 3; i++ {
		s.Score(types.Transcript{Text: "we can set that up", Confidence: 0.95})
	}

	sum, _ := s.Summary()
	if sum.Overall < 85 {
		t.Fatalf("Overall = %d, want >= 85", sum.Overall)
	}
	if len(sum.Recommendations) != 1 || !strings.Contains(sum.Recommendations[0], "Keep it up") {
		t.Errorf("Recommendations = %v, want only the praise line", sum.Recommendations)
	}
}

func TestSyllableCount(t *testing.T) {
	tests := map[string]int{
		"a":         1,
		"unit":      2,
		"delivery":  4,
		"table":     2,
		"crate":     1,
		"rhythm":    1,
		"saturday":  3,
		"generator": 4,
	}
	for word, want := range tests {
		if got := syllableCount(word); got != want {
			t.Errorf("syllableCount(%q) = %d, want %d", word, got, want)
		}
	}
}
