// Package preprocess trims leading (and optionally trailing) silence from
// recorded answers before they are submitted to transcription. Trimming is
// conservative: on any doubt, including decode failure, it returns the
// original audio rather than risking clipped speech.
package preprocess

import (
	"math"

	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/logging"
)

// Config controls silence detection. Thresholds are normalized RMS values
// in [0, 1].
type Config struct {
	WindowMs            int     // analysis window width
	MinSilenceMs        int     // silence run required before a trim qualifies
	StartRMSThreshold   float64 // energy above this marks speech at the start
	EndRMSThreshold     float64 // lower threshold for trailing detection, speech endings are quieter
	FadeOutFactor       float64 // fraction of EndRMSThreshold still counted as fading speech
	SafetyMarginWindows int     // windows kept before detected speech start
	TrailingPaddingMs   int     // audio kept after the last detected speech
	MinDurationMs       int     // never trim below this total duration
	MaxLeadingTrimMs    int     // cap on leading trim
	MaxTrailingTrimMs   int     // cap on trailing trim
	TrimTrailing        bool    // trailing trim is off unless explicitly enabled
}

// DefaultConfig returns the production trimming parameters.
func DefaultConfig() Config {
	return Config{
		WindowMs:            30,
		MinSilenceMs:        300,
		StartRMSThreshold:   0.020,
		EndRMSThreshold:     0.012,
		FadeOutFactor:       0.6,
		SafetyMarginWindows: 3,
		TrailingPaddingMs:   250,
		MinDurationMs:       1000,
		MaxLeadingTrimMs:    10000,
		MaxTrailingTrimMs:   5000,
		TrimTrailing:        false,
	}
}

// Result is the trimmed audio plus what was removed, for observability.
type Result struct {
	Audio              []byte `json:"-"`
	LeadingMsTrimmed   int    `json:"leading_ms_trimmed"`
	TrailingMsTrimmed  int    `json:"trailing_ms_trimmed"`
	OriginalDurationMs int    `json:"original_duration_ms"`
	DurationMs         int    `json:"duration_ms"`
}

// Trimmer applies silence trimming to WAV audio.
type Trimmer struct {
	cfg Config
	log zerolog.Logger
}

// NewTrimmer builds a trimmer with the given config.
func NewTrimmer(cfg Config) *Trimmer {
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 30
	}
	return &Trimmer{cfg: cfg, log: logging.New("preprocess")}
}

// Trim removes leading (and, when enabled, trailing) silence. It never
// fails: undecodable audio comes back unchanged with zero trim amounts.
func (t *Trimmer) Trim(audio []byte) Result {
	info, err := parseWAV(audio)
	if err != nil {
		t.log.Warn().Err(err).Msg("audio decode failed, returning original unchanged")
		return Result{Audio: audio}
	}

	samples := monoSamples(audio, info)
	totalFrames := len(samples)
	if totalFrames == 0 {
		return Result{Audio: audio}
	}
	originalMs := totalFrames * 1000 / info.sampleRate

	framesPerWindow := info.sampleRate * t.cfg.WindowMs / 1000
	if framesPerWindow <= 0 {
		framesPerWindow = 1
	}
	windows := analysisWindows(samples, framesPerWindow)

	startWindow := t.detectStart(windows)
	endWindow := len(windows)
	if t.cfg.TrimTrailing {
		endWindow = t.detectEnd(windows)
	}

	startFrame := startWindow * framesPerWindow
	endFrame := endWindow * framesPerWindow
	if endFrame > totalFrames || endWindow == len(windows) {
		endFrame = totalFrames
	}

	// Safety caps: bounded trim amounts, then a minimum retained duration.
	maxLeadFrames := t.cfg.MaxLeadingTrimMs * info.sampleRate / 1000
	if t.cfg.MaxLeadingTrimMs > 0 && startFrame > maxLeadFrames {
		startFrame = maxLeadFrames
	}
	maxTrailFrames := t.cfg.MaxTrailingTrimMs * info.sampleRate / 1000
	if t.cfg.MaxTrailingTrimMs > 0 && totalFrames-endFrame > maxTrailFrames {
		endFrame = totalFrames - maxTrailFrames
	}

	minFrames := t.cfg.MinDurationMs * info.sampleRate / 1000
	if endFrame-startFrame < minFrames {
		// Give back trailing trim first, then leading.
		endFrame = totalFrames
		if endFrame-startFrame < minFrames {
			startFrame = endFrame - minFrames
			if startFrame < 0 {
				startFrame = 0
			}
		}
	}

	if startFrame == 0 && endFrame == totalFrames {
		return Result{Audio: audio, OriginalDurationMs: originalMs, DurationMs: originalMs}
	}

	trimmed := sliceWAV(audio, info, startFrame, endFrame)
	res := Result{
		Audio:              trimmed,
		LeadingMsTrimmed:   startFrame * 1000 / info.sampleRate,
		TrailingMsTrimmed:  (totalFrames - endFrame) * 1000 / info.sampleRate,
		OriginalDurationMs: originalMs,
		DurationMs:         (endFrame - startFrame) * 1000 / info.sampleRate,
	}
	t.log.Debug().Int("leading_ms", res.LeadingMsTrimmed).Int("trailing_ms", res.TrailingMsTrimmed).
		Int("original_ms", res.OriginalDurationMs).Msg("silence trimmed")
	return res
}

type window struct {
	rms  float64
	peak float64
}

func analysisWindows(samples []float64, framesPerWindow int) []window {
	n := len(samples) / framesPerWindow
	out := make([]window, n)
	for i := 0; i < n; i++ {
		var sumSq, peak float64
		for _, s := range samples[i*framesPerWindow : (i+1)*framesPerWindow] {
			sumSq += s * s
			if a := math.Abs(s); a > peak {
				peak = a
			}
		}
		out[i] = window{
			rms:  math.Sqrt(sumSq / float64(framesPerWindow)),
			peak: peak,
		}
	}
	return out
}

// detectStart returns the first window to keep. Trimming only qualifies
// when the first energetic window is preceded by a silence run of at least
// MinSilenceMs; if sound appears before any qualifying run, nothing is
// trimmed. A safety margin of whole windows is always kept so the first
// syllable is never clipped.
func (t *Trimmer) detectStart(windows []window) int {
	minSilenceWindows := t.cfg.MinSilenceMs / t.cfg.WindowMs

	silentRun := 0
	for i, w := range windows {
		if w.rms >= t.cfg.StartRMSThreshold {
			if silentRun < minSilenceWindows {
				return 0
			}
			start := i - t.cfg.SafetyMarginWindows
			if start < 0 {
				start = 0
			}
			return start
		}
		silentRun++
	}
	// All silence: leave it to the reconciler, which will report no speech.
	return 0
}

// detectEnd returns one past the last window to keep. It scans backward
// with the lower end threshold and treats a decreasing-but-audible tail as
// fading speech, then keeps a fixed padding after the detected end.
func (t *Trimmer) detectEnd(windows []window) int {
	fadeThreshold := t.cfg.EndRMSThreshold * t.cfg.FadeOutFactor

	lastSpeech := -1
	for i := len(windows) - 1; i >= 0; i-- {
		if windows[i].rms >= t.cfg.EndRMSThreshold {
			lastSpeech = i
			break
		}
	}
	if lastSpeech < 0 {
		return len(windows)
	}

	// Extend over the fade-out: energy still above the relaxed threshold
	// while monotonically decreasing counts as speech, not silence.
	for i := lastSpeech + 1; i < len(windows); i++ {
		if windows[i].rms >= fadeThreshold && windows[i].rms <= windows[i-1].rms {
			lastSpeech = i
			continue
		}
		break
	}

	paddingWindows := t.cfg.TrailingPaddingMs / t.cfg.WindowMs
	end := lastSpeech + 1 + paddingWindows
	if end > len(windows) {
		end = len(windows)
	}
	return end
}
