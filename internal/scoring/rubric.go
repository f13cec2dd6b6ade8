// Package scoring turns merged transcripts into a calibrated evaluation
// result: a pronunciation estimate from recognition signals, language-model
// scores for the remaining criteria, validation/repair of the model output,
// and a bounded overall band.
package scoring

import "math"

// Band scale: 0.0 to 9.0 in half-band increments.
const (
	BandMin  = 0.0
	BandMax  = 9.0
	BandStep = 0.5
)

// Rubric criteria. Pronunciation is estimated, not scored by the language
// model; see the calibration override.
const (
	CriterionFluency       = "fluency_coherence"
	CriterionLexical       = "lexical_resource"
	CriterionGrammar       = "grammatical_range"
	CriterionPronunciation = "pronunciation"
)

// RequiredCriteria lists every criterion a valid result must carry.
var RequiredCriteria = []string{
	CriterionFluency,
	CriterionLexical,
	CriterionGrammar,
	CriterionPronunciation,
}

// CriterionScore is one scored rubric dimension.
type CriterionScore struct {
	Band          float64  `json:"band" validate:"gte=0,lte=9"`
	Justification string   `json:"justification"`
	Strengths     []string `json:"strengths,omitempty"`
	Weaknesses    []string `json:"weaknesses,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// ClampBand bounds a band to the valid scale.
func ClampBand(b float64) float64 {
	if b < BandMin {
		return BandMin
	}
	if b > BandMax {
		return BandMax
	}
	return b
}

// RoundToHalf snaps a band to the nearest half increment.
func RoundToHalf(b float64) float64 {
	return ClampBand(math.Round(b*2) / 2)
}

// RoundOverall computes the overall band from the four criterion bands:
// arithmetic mean, then fractional part < 0.25 rounds down, 0.25–0.74 rounds
// to the half, >= 0.75 rounds up, clamped to the scale.
func RoundOverall(bands []float64) float64 {
	if len(bands) == 0 {
		return BandMin
	}
	var sum float64
	for _, b := range bands {
		sum += b
	}
	mean := sum / float64(len(bands))

	whole := math.Floor(mean)
	frac := mean - whole
	switch {
	case frac < 0.25:
		return ClampBand(whole)
	case frac < 0.75:
		return ClampBand(whole + 0.5)
	default:
		return ClampBand(whole + 1)
	}
}
