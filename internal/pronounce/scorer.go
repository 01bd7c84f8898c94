// Package pronounce scores the operator's pronunciation over the course of a
// call. It is informational only: scores are emitted to the console and never
// influence the suggestion pipeline.
//
// Each finalized operator utterance yields a 0–100 sample combining the
// provider's recognition confidence with a syllable/phonetic heuristic over
// the literal text. On save or disconnect the samples are aggregated once
// into an overall score plus categorised recommendations.
package pronounce

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/callpilot/callpilot/pkg/types"
)

// Confidence contributes up to 70 points, the text heuristic up to 30.
const (
	confidenceWeight = 70.0
	heuristicWeight  = 30.0
)

// Sample is one scored operator utterance.
type Sample struct {
	// Text is the utterance as recognised.
	Text string `json:"text"`

	// Confidence is the provider-reported recognition confidence (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// Score is the combined 0–100 pronunciation score.
	Score int `json:"score"`

	// Timestamp is when the final result was scored.
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the once-per-session aggregate emitted on save or disconnect.
type Summary struct {
	// Overall is the mean sample score, 0–100.
	Overall int `json:"overall"`

	// SampleCount is how many utterances went into Overall.
	SampleCount int `json:"sample_count"`

	// Recommendations are categorised coaching hints, ordered by impact.
	Recommendations []string `json:"recommendations,omitempty"`
}

// Scorer accumulates scored samples for one session. Safe for concurrent use;
// recognition finals and the save path may race.
type Scorer struct {
	mu      sync.Mutex
	samples []Sample
	// problemWords accumulates low-confidence words for the summary.
	problemWords map[string]int
}

// NewScorer returns an empty per-session Scorer.
func NewScorer() *Scorer {
	return &Scorer{problemWords: make(map[string]int)}
}

// Score computes the sample for one finalized operator transcript, appends it
// to the session, and returns it for immediate emission.
func (s *Scorer) Score(t types.Transcript) Sample {
	conf := effectiveConfidence(t)
	score := int(math.Round(conf*confidenceWeight + textHeuristic(t.Text)))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	sample := Sample{
		Text:       t.Text,
		Confidence: conf,
		Score:      score,
		Timestamp:  time.Now(),
	}

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	for _, w := range t.Words {
		if w.Confidence > 0 && w.Confidence < 0.75 {
			s.problemWords[strings.ToLower(w.Word)]++
		}
	}
	s.mu.Unlock()

	return sample
}

// Summary aggregates all samples. The second return is false when no operator
// utterance was scored; callers then emit nothing.
func (s *Scorer) Summary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return Summary{}, false
	}

	total := 0
	lowConf := 0
	for _, smp := range s.samples {
		total += smp.Score
		if smp.Confidence > 0 && smp.Confidence < 0.75 {
			lowConf++
		}
	}
	overall := total / len(s.samples)

	var recs []string
	if lowConf*2 > len(s.samples) {
		recs = append(recs, "Clarity: over half of your utterances were recognised with low confidence. Slow down and enunciate word endings.")
	}
	if words := s.topProblemWords(3); len(words) > 0 {
		recs = append(recs, fmt.Sprintf("Articulation: these words were repeatedly hard to recognise: %s.", strings.Join(words, ", ")))
	}
	if avgSyllableDensity(s.samples) > 2.2 {
		recs = append(recs, "Word choice: favour shorter words on the phone; dense phrasing is harder for the caller to follow.")
	}
	if overall >= 85 && len(recs) == 0 {
		recs = append(recs, "Keep it up: recognition quality was consistently high this call.")
	}

	return Summary{
		Overall:         overall,
		SampleCount:     len(s.samples),
		Recommendations: recs,
	}, true
}

// topProblemWords returns up to n distinct low-confidence words, most
// frequent first. Caller holds mu.
func (s *Scorer) topProblemWords(n int) []string {
	type wc struct {
		word  string
		count int
	}
	all := make([]wc, 0, len(s.problemWords))
	for w, c := range s.problemWords {
		if c >= 2 {
			all = append(all, wc{w, c})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.word
	}
	return out
}

// effectiveConfidence prefers the transcript-level confidence, falling back
// to the mean word confidence when the provider only reports per-word values.
func effectiveConfidence(t types.Transcript) float64 {
	if t.Confidence > 0 {
		return t.Confidence
	}
	if len(t.Words) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, w := range t.Words {
		sum += w.Confidence
	}
	return sum / float64(len(t.Words))
}

// textHeuristic scores 0–30 on how easy the literal text is to say and hear:
// syllable density and phonetically complex words both cost points.
func textHeuristic(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return heuristicWeight / 2
	}

	totalSyllables := 0
	complexWords := 0
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
		if w == "" {
			continue
		}
		syl := syllableCount(w)
		totalSyllables += syl
		primary, _ := matchr.DoubleMetaphone(w)
		if syl >= 4 || len(primary) >= 6 {
			complexWords++
		}
	}

	density := float64(totalSyllables) / float64(len(words))
	score := heuristicWeight - (density-1.5)*8 - float64(complexWords)*2
	if score > heuristicWeight {
		score = heuristicWeight
	}
	if score < 0 {
		score = 0
	}
	return score
}

// avgSyllableDensity is the mean syllables-per-word across all sample texts.
// Caller holds mu.
func avgSyllableDensity(samples []Sample) float64 {
	words, syllables := 0, 0
	for _, smp := range samples {
		for _, w := range strings.Fields(smp.Text) {
			w = strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
			if w == "" {
				continue
			}
			words++
			syllables += syllableCount(w)
		}
	}
	if words == 0 {
		return 0
	}
	return float64(syllables) / float64(words)
}

// syllableCount estimates English syllables by counting vowel groups, with a
// silent-e adjustment. Always at least 1 for a non-empty word.
func syllableCount(word string) int {
	const vowels = "aeiouy"
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune(vowels, r)
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "le") && count > 1 {
		count--
	}
	if count < 1 {
		count = 1
	}
	return count
}
