package scoring

import (
	"spoken-eval-platform/internal/reconciler"
)

// EstimateConfig tunes the pronunciation pre-estimate.
type EstimateConfig struct {
	// Composite weights. They sum to 1.
	ConfidenceWeight float64
	ClarityWeight    float64
	FillerWeight     float64
	PauseWeight      float64

	// MinEvidenceWords is the total recognized-word floor below which the
	// estimate is forced to the lowest tier regardless of signal quality.
	MinEvidenceWords int
	// LowEvidenceBandCap caps the band when evidence is insufficient.
	LowEvidenceBandCap float64
}

// DefaultEstimateConfig returns the tuned weighting.
func DefaultEstimateConfig() EstimateConfig {
	return EstimateConfig{
		ConfidenceWeight:   0.35,
		ClarityWeight:      0.30,
		FillerWeight:       0.20,
		PauseWeight:        0.15,
		MinEvidenceWords:   20,
		LowEvidenceBandCap: 3.0,
	}
}

// Tier buckets the pre-estimate for the deterministic calibration
// adjustment.
type Tier string

const (
	TierHigh    Tier = "high"
	TierMedium  Tier = "medium"
	TierLow     Tier = "low"
	TierVeryLow Tier = "very-low"
)

// Estimate is the pronunciation pre-estimate derived from recognition
// signals. The language-model scorer cannot hear audio, so this is the only
// acoustic evidence in the pipeline.
type Estimate struct {
	Band       float64 `json:"band"`
	Composite  float64 `json:"composite"` // weighted signal in [0,1]
	Tier       Tier    `json:"tier"`
	TotalWords int     `json:"total_words"`
	// LowEvidence marks an estimate forced down by the minimum-words rule.
	LowEvidence bool `json:"low_evidence"`
}

// EstimatePronunciation derives the pre-estimate from the merged segments.
func EstimatePronunciation(segments []reconciler.MergedSegment, cfg EstimateConfig) Estimate {
	var (
		confSum, claritySum, durationSum float64
		totalWords, totalFillers         int
		totalPauseSec                    float64
		signalSegs                       int
	)
	for _, s := range segments {
		totalWords += s.WordCount
		totalFillers += len(s.FillerWords)
		durationSum += s.DurationSec
		for _, p := range s.LongPauses {
			totalPauseSec += p.Duration
		}
		if s.WordCount > 0 {
			confSum += s.AvgConfidence
			claritySum += clarityFromLogProb(s.AvgLogProb)
			signalSegs++
		}
	}

	est := Estimate{TotalWords: totalWords}
	if signalSegs == 0 || totalWords == 0 {
		est.Band = BandMin
		est.Tier = TierVeryLow
		est.LowEvidence = true
		return est
	}

	confidence := confSum / float64(signalSegs)
	clarity := claritySum / float64(signalSegs)

	fillerRatio := float64(totalFillers) / float64(totalWords)
	fillerScore := clamp01(1 - 3*fillerRatio)

	pauseScore := 1.0
	if durationSum > 0 {
		pauseScore = clamp01(1 - totalPauseSec/durationSum*2)
	}

	est.Composite = cfg.ConfidenceWeight*confidence +
		cfg.ClarityWeight*clarity +
		cfg.FillerWeight*fillerScore +
		cfg.PauseWeight*pauseScore
	est.Band = RoundToHalf(est.Composite * BandMax)

	if totalWords < cfg.MinEvidenceWords {
		est.LowEvidence = true
		if est.Band > cfg.LowEvidenceBandCap {
			est.Band = cfg.LowEvidenceBandCap
		}
	}
	est.Tier = tierForBand(est.Band)
	return est
}

// clarityFromLogProb maps whisper-style average log probability (roughly
// [-1, 0] for clean speech) onto [0, 1].
func clarityFromLogProb(avgLogProb float64) float64 {
	return clamp01(1 + avgLogProb)
}

func tierForBand(band float64) Tier {
	switch {
	case band >= 6.5:
		return TierHigh
	case band >= 5.0:
		return TierMedium
	case band >= 3.5:
		return TierLow
	default:
		return TierVeryLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
