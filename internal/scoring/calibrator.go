package scoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/asr"
	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
	"spoken-eval-platform/internal/quotapool"
	"spoken-eval-platform/internal/reconciler"
)

// EvaluationResult is the persisted result shape. Field names are a
// compatibility contract: every scoring provider populates the identical
// structure.
type EvaluationResult struct {
	OverallBand           float64                   `json:"overallBand"`
	Criteria              map[string]CriterionScore `json:"criteria"`
	ModelAnswers          []ModelAnswer             `json:"modelAnswers"`
	TranscriptsByPart     map[string]string         `json:"transcriptsByPart"`
	TranscriptsByQuestion map[string]string         `json:"transcriptsByQuestion"`
	EvaluationTimingMs    int64                     `json:"evaluationTimingMs"`
	PronunciationEstimate Estimate                  `json:"pronunciationEstimate"`
	Summary               string                    `json:"summary,omitempty"`
	Issues                []string                  `json:"issues,omitempty"`
}

// CalibratorConfig tunes calibration behavior.
type CalibratorConfig struct {
	Estimate EstimateConfig
	// LockDuration bounds the scoring credential lock.
	LockDuration time.Duration
	// LowConfidenceDefaultBand replaces a criterion the provider failed to
	// score even after a repair attempt.
	LowConfidenceDefaultBand float64
	// Override weights for the derived pronunciation band. Fluency is
	// weighted highest: delivery dominates how pronunciation is perceived.
	FluencyWeight float64
	LexicalWeight float64
	GrammarWeight float64
}

// DefaultCalibratorConfig returns the tuned defaults.
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		Estimate:                 DefaultEstimateConfig(),
		LockDuration:             3 * time.Minute,
		LowConfidenceDefaultBand: 4.0,
		FluencyWeight:            0.5,
		LexicalWeight:            0.25,
		GrammarWeight:            0.25,
	}
}

// Calibrator runs the scoring stage: pronunciation pre-estimate, provider
// call, validation/repair, pronunciation override, overall band.
type Calibrator struct {
	scorer Scorer
	pool   *quotapool.Pool
	cfg    CalibratorConfig
	val    *validator.Validate
	log    zerolog.Logger
}

// NewCalibrator builds a calibrator over a scorer and the credential pool.
func NewCalibrator(scorer Scorer, pool *quotapool.Pool, cfg CalibratorConfig) *Calibrator {
	return &Calibrator{
		scorer: scorer,
		pool:   pool,
		cfg:    cfg,
		val:    validator.New(),
		log:    logging.New("scoring.calibrator"),
	}
}

// Evaluate scores the merged segments and returns the calibrated result.
// Provider quota errors propagate so the orchestrator can retry the stage on
// another credential; validation failures degrade to a flagged result
// instead of failing the job.
func (c *Calibrator) Evaluate(ctx context.Context, jobID string, segments []reconciler.MergedSegment) (*EvaluationResult, error) {
	startTime := time.Now()
	reconciler.SortMerged(segments)

	estimate := EstimatePronunciation(segments, c.cfg.Estimate)
	req := buildScoreRequest(segments)

	cred, err := c.pool.Checkout(datastore.CapabilityScoring, jobID, c.cfg.LockDuration)
	if err != nil {
		return nil, fmt.Errorf("scoring credential checkout: %w", err)
	}
	defer c.pool.Release(cred.ID, jobID)

	resp, err := c.scorer.Score(ctx, req, cred)
	if err != nil {
		c.reportQuotaSignal(cred.ID, err)
		return nil, fmt.Errorf("scoring provider call: %w", err)
	}

	var issues []string
	if problems := c.validateResponse(resp); len(problems) > 0 {
		// One repair round-trip with the validation feedback, then degrade.
		req.RepairHint = strings.Join(problems, "; ")
		c.log.Warn().Str("job_id", jobID).Strs("problems", problems).
			Msg("scorer response invalid, retrying with repair hint")
		retried, rerr := c.scorer.Score(ctx, req, cred)
		if rerr == nil {
			if reproblems := c.validateResponse(retried); len(reproblems) == 0 {
				resp = retried
			} else {
				issues = append(issues, c.applyDefaults(retried, reproblems)...)
				resp = retried
			}
		} else {
			c.reportQuotaSignal(cred.ID, rerr)
			issues = append(issues, c.applyDefaults(resp, problems)...)
		}
	}

	issues = append(issues, synthesizeMissingAnswers(resp, req.Transcripts)...)

	pronunciation := c.overridePronunciation(resp.Criteria, estimate)
	resp.Criteria[CriterionPronunciation] = pronunciation

	bands := make([]float64, 0, len(RequiredCriteria))
	for _, name := range RequiredCriteria {
		bands = append(bands, resp.Criteria[name].Band)
	}

	result := &EvaluationResult{
		OverallBand:           RoundOverall(bands),
		Criteria:              resp.Criteria,
		ModelAnswers:          resp.ModelAnswers,
		TranscriptsByPart:     transcriptsByPart(segments),
		TranscriptsByQuestion: transcriptsByQuestion(segments),
		EvaluationTimingMs:    time.Since(startTime).Milliseconds(),
		PronunciationEstimate: estimate,
		Summary:               resp.Summary,
		Issues:                issues,
	}
	for _, s := range segments {
		for _, issue := range s.Issues {
			result.Issues = append(result.Issues, fmt.Sprintf("%s: %s", s.SegmentKey, issue))
		}
	}
	return result, nil
}

// reportQuotaSignal feeds provider limit errors back into the pool.
func (c *Calibrator) reportQuotaSignal(credentialID string, err error) {
	if rl, ok := asr.AsRateLimit(err); ok {
		if merr := c.pool.MarkExhausted(credentialID, false, rl.RetryAfter); merr != nil {
			c.log.Warn().Err(merr).Str("credential_id", credentialID).Msg("failed to cool down scoring credential")
		}
	} else if _, ok := asr.AsQuotaExhausted(err); ok {
		if merr := c.pool.MarkExhausted(credentialID, true, 0); merr != nil {
			c.log.Warn().Err(merr).Str("credential_id", credentialID).Msg("failed to disable scoring credential")
		}
	}
}

// validateResponse checks the scorer output against the rubric contract and
// returns a description of every problem found.
func (c *Calibrator) validateResponse(resp *ScorerResponse) []string {
	var problems []string
	if resp.Criteria == nil {
		return []string{"criteria object missing"}
	}
	for _, name := range RequiredCriteria {
		if name == CriterionPronunciation {
			// Derived here; the provider is not asked for it.
			continue
		}
		score, ok := resp.Criteria[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("criterion %s missing", name))
			continue
		}
		if err := c.val.Struct(score); err != nil {
			problems = append(problems, fmt.Sprintf("criterion %s band out of range (%.1f)", name, score.Band))
			continue
		}
		// A zero band with no supporting text is a malformed response, not
		// a genuine lowest score.
		if score.Band == 0 && strings.TrimSpace(score.Justification) == "" {
			problems = append(problems, fmt.Sprintf("criterion %s has zero band with no justification", name))
		}
	}
	return problems
}

// applyDefaults fills the still-invalid criteria with a documented
// low-confidence default and returns the recorded issues.
func (c *Calibrator) applyDefaults(resp *ScorerResponse, problems []string) []string {
	if resp.Criteria == nil {
		resp.Criteria = map[string]CriterionScore{}
	}
	var issues []string
	for _, name := range RequiredCriteria {
		if name == CriterionPronunciation {
			continue
		}
		score, ok := resp.Criteria[name]
		valid := ok && c.val.Struct(score) == nil &&
			!(score.Band == 0 && strings.TrimSpace(score.Justification) == "")
		if valid {
			continue
		}
		resp.Criteria[name] = CriterionScore{
			Band:          c.cfg.LowConfidenceDefaultBand,
			Justification: "Provider response was invalid for this criterion; a low-confidence default band was applied.",
		}
		issues = append(issues, fmt.Sprintf("criterion %s defaulted to %.1f after invalid provider response", name, c.cfg.LowConfidenceDefaultBand))
	}
	issues = append(issues, problems...)
	return issues
}

// synthesizeMissingAnswers guarantees every submitted question has a model
// answer, building placeholders from the transcript when the provider
// omitted one.
func synthesizeMissingAnswers(resp *ScorerResponse, transcripts []QuestionTranscript) []string {
	present := make(map[string]bool, len(resp.ModelAnswers))
	for _, a := range resp.ModelAnswers {
		present[a.SegmentKey] = true
	}
	var issues []string
	for _, qt := range transcripts {
		if present[qt.SegmentKey] {
			continue
		}
		answer := "No model answer was produced for this question."
		if strings.TrimSpace(qt.Transcript) != "" {
			answer = "Based on the candidate's response: " + truncateWords(qt.Transcript, 40)
		}
		resp.ModelAnswers = append(resp.ModelAnswers, ModelAnswer{
			SegmentKey:  qt.SegmentKey,
			Answer:      answer,
			Synthesized: true,
		})
		issues = append(issues, fmt.Sprintf("model answer for %s synthesized from transcript", qt.SegmentKey))
	}
	sort.SliceStable(resp.ModelAnswers, func(i, j int) bool {
		return resp.ModelAnswers[i].SegmentKey < resp.ModelAnswers[j].SegmentKey
	})
	return issues
}

// overridePronunciation replaces the provider's pronunciation with a value
// derived from the other three criteria plus a deterministic tier
// adjustment from the acoustic pre-estimate.
func (c *Calibrator) overridePronunciation(criteria map[string]CriterionScore, estimate Estimate) CriterionScore {
	base := c.cfg.FluencyWeight*criteria[CriterionFluency].Band +
		c.cfg.LexicalWeight*criteria[CriterionLexical].Band +
		c.cfg.GrammarWeight*criteria[CriterionGrammar].Band

	var adjust float64
	switch estimate.Tier {
	case TierHigh:
		adjust = 0.5
	case TierMedium:
		adjust = 0
	case TierLow:
		adjust = -0.5
	default:
		adjust = -1.0
	}

	band := RoundToHalf(base + adjust)
	justification := fmt.Sprintf("Derived from delivery profile (recognition tier: %s).", estimate.Tier)
	if estimate.LowEvidence {
		if band > c.cfg.Estimate.LowEvidenceBandCap {
			band = c.cfg.Estimate.LowEvidenceBandCap
		}
		justification = fmt.Sprintf("Insufficient recognized speech (%d words) to assess pronunciation; band capped.", estimate.TotalWords)
	}
	return CriterionScore{Band: band, Justification: justification}
}

// buildScoreRequest converts merged segments into the provider payload,
// keeping empty very-low segments visible as explicit no-evidence entries.
func buildScoreRequest(segments []reconciler.MergedSegment) *ScoreRequest {
	req := &ScoreRequest{}
	for _, s := range segments {
		req.Transcripts = append(req.Transcripts, QuestionTranscript{
			SegmentKey:     s.SegmentKey,
			PartNumber:     s.PartNumber,
			QuestionNumber: s.QuestionNumber,
			QuestionID:     s.QuestionID,
			Transcript:     s.FinalText,
			DurationSec:    s.DurationSec,
			WordCount:      s.WordCount,
			Confidence:     string(s.Confidence),
		})
	}
	return req
}

func transcriptsByPart(segments []reconciler.MergedSegment) map[string]string {
	out := map[string]string{}
	for _, s := range segments {
		key := fmt.Sprintf("part_%d", s.PartNumber)
		if s.FinalText == "" {
			continue
		}
		if out[key] != "" {
			out[key] += " "
		}
		out[key] += s.FinalText
	}
	return out
}

func transcriptsByQuestion(segments []reconciler.MergedSegment) map[string]string {
	out := map[string]string{}
	for _, s := range segments {
		out[s.SegmentKey] = s.FinalText
	}
	return out
}

func truncateWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ") + "..."
}
