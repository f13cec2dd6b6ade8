// Package reconciler runs two independently configured speech-to-text
// engine variants over each audio segment and elects a merged transcript
// from their (dis)agreement.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/asr"
	"spoken-eval-platform/internal/config"
	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
	"spoken-eval-platform/internal/quotapool"
)

// EngineVariant pairs an ASR engine with the credential provider it needs.
// Two variants may name the same provider; the reconciler then shares one
// credential and serializes the calls.
type EngineVariant struct {
	Engine   asr.Engine
	Provider string
}

// Config carries the merge-policy thresholds. They are empirically tuned,
// so they live here rather than as constants.
type Config struct {
	// HighAgreement and above is consensus; LowAgreement and above is a
	// quality pick; below is a repeat-count pick.
	HighAgreement float64
	LowAgreement  float64

	// Completeness-offset probe: the first OffsetProbeWords of one
	// transcript found at >= MinOffsetChars inside the other marks the
	// other as more complete.
	OffsetProbeWords int
	MinOffsetChars   int

	// Plausible speaking-rate band, words per second of audio.
	WordsPerSecMin float64
	WordsPerSecMax float64

	// LongPauseSec is the inter-word gap reported as a long pause.
	LongPauseSec float64

	// InterCallDelay spaces the two engine calls when they share one
	// credential, to stay inside per-minute limits.
	InterCallDelay time.Duration

	// LockDuration bounds how long a checked-out credential stays locked
	// if the engine call hangs.
	LockDuration time.Duration

	Rules *config.RuleTables
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig(rules *config.RuleTables) Config {
	return Config{
		HighAgreement:    0.8,
		LowAgreement:     0.5,
		OffsetProbeWords: 3,
		MinOffsetChars:   12,
		WordsPerSecMin:   1.0,
		WordsPerSecMax:   3.5,
		LongPauseSec:     2.0,
		InterCallDelay:   2 * time.Second,
		LockDuration:     3 * time.Minute,
		Rules:            rules,
	}
}

// Reconciler transcribes segments through two engine variants and merges
// the outputs.
type Reconciler struct {
	variantA EngineVariant
	variantB EngineVariant
	pool     *quotapool.Pool
	cfg      Config
	clean    *cleaner
	log      zerolog.Logger

	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// New builds a reconciler over two engine variants.
func New(a, b EngineVariant, pool *quotapool.Pool, cfg Config) *Reconciler {
	if cfg.Rules == nil {
		cfg.Rules = config.DefaultRuleTables()
	}
	return &Reconciler{
		variantA: a,
		variantB: b,
		pool:     pool,
		cfg:      cfg,
		clean:    &cleaner{rules: cfg.Rules},
		log:      logging.New("reconciler"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// engineOutcome is one variant's attempt on a segment.
type engineOutcome struct {
	result *asr.Result
	err    error
}

// TranscribeSegment runs both engine variants on the audio and returns the
// merged transcript. Engine-level failures never surface as errors: they
// degrade the merge (single-engine fallback, or an empty very-low result
// when both fail) so a bad segment cannot sink the whole job.
func (r *Reconciler) TranscribeSegment(ctx context.Context, jobID string, seg AudioSegment, audio []byte, languageHint string) (*MergedSegment, error) {
	credA, credB, shared, err := r.checkoutCredentials(jobID)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(credA.ID, jobID)
	if !shared {
		defer r.pool.Release(credB.ID, jobID)
	}

	var outA, outB engineOutcome
	if shared {
		// One credential: serialize with a delay between calls so two
		// requests never land in the same rate-limit instant.
		outA = r.callEngine(ctx, r.variantA, credA, audio, languageHint, seg)
		if err := r.sleep(ctx, r.cfg.InterCallDelay); err != nil {
			return nil, err
		}
		outB = r.callEngine(ctx, r.variantB, credB, audio, languageHint, seg)
	} else {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			outA = r.callEngine(ctx, r.variantA, credA, audio, languageHint, seg)
		}()
		go func() {
			defer wg.Done()
			outB = r.callEngine(ctx, r.variantB, credB, audio, languageHint, seg)
		}()
		wg.Wait()
	}

	merged := r.merge(seg, outA, outB)
	return merged, nil
}

// checkoutCredentials obtains credentials for both variants. When the second
// checkout finds nothing (same provider, pool of one), the first credential
// is shared and the calls run sequentially.
func (r *Reconciler) checkoutCredentials(jobID string) (credA, credB *datastore.Credential, shared bool, err error) {
	credA, err = r.pool.CheckoutProvider(datastore.CapabilitySpeech, r.variantA.Provider, jobID, r.cfg.LockDuration)
	if err != nil {
		return nil, nil, false, fmt.Errorf("checkout for engine %s: %w", r.variantA.Engine.Name(), err)
	}
	credB, err = r.pool.CheckoutProvider(datastore.CapabilitySpeech, r.variantB.Provider, jobID, r.cfg.LockDuration)
	if err != nil {
		if errors.Is(err, quotapool.ErrNoCredentialAvailable) && r.variantB.Provider == r.variantA.Provider {
			return credA, credA, true, nil
		}
		r.pool.Release(credA.ID, jobID)
		return nil, nil, false, fmt.Errorf("checkout for engine %s: %w", r.variantB.Engine.Name(), err)
	}
	return credA, credB, credA.ID == credB.ID, nil
}

// callEngine runs one engine, records usage, and translates quota signals
// into pool state.
func (r *Reconciler) callEngine(ctx context.Context, v EngineVariant, cred *datastore.Credential, audio []byte, languageHint string, seg AudioSegment) engineOutcome {
	result, err := v.Engine.Transcribe(ctx, audio, languageHint, cred)
	if seg.DurationSec > 0 {
		if uerr := r.pool.RecordUsage(cred.ID, seg.DurationSec); uerr != nil {
			r.log.Warn().Err(uerr).Str("credential_id", cred.ID).Msg("failed to record usage")
		}
	}
	if err != nil {
		if rl, ok := asr.AsRateLimit(err); ok {
			if merr := r.pool.MarkExhausted(cred.ID, false, rl.RetryAfter); merr != nil {
				r.log.Warn().Err(merr).Str("credential_id", cred.ID).Msg("failed to cool down credential")
			}
		} else if _, ok := asr.AsQuotaExhausted(err); ok {
			if merr := r.pool.MarkExhausted(cred.ID, true, 0); merr != nil {
				r.log.Warn().Err(merr).Str("credential_id", cred.ID).Msg("failed to disable credential")
			}
		}
		r.log.Warn().Err(err).Str("engine", v.Engine.Name()).Str("segment", seg.SegmentKey).
			Msg("engine transcription failed")
	}
	return engineOutcome{result: result, err: err}
}

// merge applies the decision policy to the two outcomes and fills in the
// derived signals.
func (r *Reconciler) merge(seg AudioSegment, outA, outB engineOutcome) *MergedSegment {
	m := &MergedSegment{
		SegmentKey:     seg.SegmentKey,
		PartNumber:     seg.PartNumber,
		QuestionNumber: seg.QuestionNumber,
		QuestionID:     seg.QuestionID,
		DurationSec:    seg.DurationSec,
	}

	textA, textB := "", ""
	if outA.err == nil && outA.result != nil {
		textA = r.clean.Clean(outA.result.Text)
	}
	if outB.err == nil && outB.result != nil {
		textB = r.clean.Clean(outB.result.Text)
	}
	usableA := !degenerate(textA)
	usableB := !degenerate(textB)

	switch {
	case !usableA && !usableB:
		m.FinalText = ""
		m.Confidence = ConfidenceVeryLow
		m.Method = MethodNone
		m.Issues = append(m.Issues, r.failureIssue(outA, outB))
		return m

	case usableA != usableB:
		chosen, source := textA, outA
		failed := r.variantB.Engine.Name()
		if usableB {
			chosen, source = textB, outB
			failed = r.variantA.Engine.Name()
		}
		m.FinalText = chosen
		m.Confidence = ConfidenceLow
		m.Method = MethodSingleEngine
		m.Issues = append(m.Issues, fmt.Sprintf("engine %s returned no usable text; fell back to single-engine transcript", failed))
		r.attachSignals(m, source.result)
		return m
	}

	agreement := agreementScore(textA, textB)
	m.AgreementScore = agreement

	if longer, ok := completenessOffset(textA, textB, r.cfg.OffsetProbeWords, r.cfg.MinOffsetChars); ok && agreement < r.cfg.HighAgreement {
		m.FinalText = longer
		m.Confidence = ConfidenceMedium
		m.Method = MethodCompleteness
		m.Issues = append(m.Issues, "one engine dropped the opening words; kept the more complete transcript")
	} else if agreement >= r.cfg.HighAgreement {
		m.FinalText = longerText(textA, textB)
		m.Confidence = ConfidenceHigh
		m.Method = MethodConsensus
	} else if agreement >= r.cfg.LowAgreement {
		m.FinalText = r.qualityPick(textA, textB, seg.DurationSec)
		m.Confidence = ConfidenceMedium
		m.Method = MethodQualityPick
	} else {
		m.FinalText = repeatPick(textA, textB)
		m.Confidence = ConfidenceLow
		m.Method = MethodRepeatPick
		m.Issues = append(m.Issues, fmt.Sprintf("engines disagree (agreement %.2f); picked the cleaner transcript", agreement))
	}

	source := outA
	if m.FinalText == textB && m.FinalText != textA {
		source = outB
	}
	r.attachSignals(m, source.result)
	return m
}

func (r *Reconciler) failureIssue(outA, outB engineOutcome) string {
	parts := []string{}
	for _, o := range []engineOutcome{outA, outB} {
		if o.err != nil {
			parts = append(parts, o.err.Error())
		}
	}
	if len(parts) == 0 {
		return "both engines returned no usable speech"
	}
	return "both engines failed: " + strings.Join(parts, "; ")
}

// qualityPick chooses the transcript with fewer hallucination markers, then
// the one whose word count fits the plausible speaking rate for the audio
// duration, then the longer one.
func (r *Reconciler) qualityPick(a, b string, durationSec float64) string {
	ha, hb := r.clean.countHallucinationMarkers(a), r.clean.countHallucinationMarkers(b)
	if ha != hb {
		if ha < hb {
			return a
		}
		return b
	}
	if durationSec > 0 {
		pa := plausibleRate(wordCount(a), durationSec, r.cfg.WordsPerSecMin, r.cfg.WordsPerSecMax)
		pb := plausibleRate(wordCount(b), durationSec, r.cfg.WordsPerSecMin, r.cfg.WordsPerSecMax)
		if pa != pb {
			if pa {
				return a
			}
			return b
		}
	}
	return longerText(a, b)
}

// repeatPick chooses the transcript with fewer immediate word repeats,
// tie-broken by greater length.
func repeatPick(a, b string) string {
	ra, rb := countImmediateRepeats(a), countImmediateRepeats(b)
	if ra != rb {
		if ra < rb {
			return a
		}
		return b
	}
	return longerText(a, b)
}

func plausibleRate(words int, durationSec, min, max float64) bool {
	rate := float64(words) / durationSec
	return rate >= min && rate <= max
}

func longerText(a, b string) string {
	if wordCount(b) > wordCount(a) {
		return b
	}
	return a
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// degenerate reports whether a cleaned transcript carries no usable speech.
func degenerate(text string) bool {
	return wordCount(text) == 0
}

// attachSignals copies the chosen engine result's recognition signals onto
// the merged segment and derives fillers and long pauses.
func (r *Reconciler) attachSignals(m *MergedSegment, res *asr.Result) {
	m.WordCount = wordCount(m.FinalText)
	m.FillerWords = r.clean.detectFillers(m.FinalText)
	if res == nil {
		return
	}
	m.AvgConfidence = res.AvgConfidence
	if m.AvgConfidence == 0 && len(res.Words) > 0 {
		m.AvgConfidence = asr.MeanWordConfidence(res.Words)
	}
	m.AvgLogProb = res.AvgLogProb
	m.NoSpeechProb = res.NoSpeechProb
	for i := 1; i < len(res.Words); i++ {
		gap := res.Words[i].Start - res.Words[i-1].End
		if gap >= r.cfg.LongPauseSec {
			m.LongPauses = append(m.LongPauses, Pause{
				Start:    res.Words[i-1].End,
				End:      res.Words[i].Start,
				Duration: gap,
			})
		}
	}
}
