// Package asr defines the speech-to-text engine interface and the vendor
// adapters behind it. Engines are narrow: audio bytes in, transcript plus
// recognition signals out. Credential handling and merge logic live with
// the callers.
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"spoken-eval-platform/internal/datastore"
)

// Word is one recognized word with timing and confidence, when the engine
// reports them.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Result is the normalized output of one engine call.
type Result struct {
	Engine        string          `json:"engine"`
	Text          string          `json:"text"`
	Words         []Word          `json:"words,omitempty"`
	AvgConfidence float64         `json:"avg_confidence"` // mean per-word confidence in [0,1], 0 if unreported
	AvgLogProb    float64         `json:"avg_log_prob"`   // whisper-style average log probability, 0 if unreported
	NoSpeechProb  float64         `json:"no_speech_prob"` // 0 if unreported
	DurationSec   float64         `json:"duration_sec"`
	LatencyMs     int64           `json:"latency_ms"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Engine transcribes one audio payload using the supplied credential.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, languageHint string, cred *datastore.Credential) (*Result, error)
}

// RateLimitError signals temporary exhaustion: the call should be retried
// after RetryAfter, and the credential cooled down rather than disabled.
type RateLimitError struct {
	Engine     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Engine, e.RetryAfter)
}

// QuotaExhaustedError signals permanent exhaustion (billing or plan limit):
// the credential must be disabled until manual reactivation.
type QuotaExhaustedError struct {
	Engine string
	Detail string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("%s: quota exhausted: %s", e.Engine, e.Detail)
}

// AsRateLimit extracts a rate-limit signal from an error chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// AsQuotaExhausted extracts a permanent-exhaustion signal from an error chain.
func AsQuotaExhausted(err error) (*QuotaExhaustedError, bool) {
	var qe *QuotaExhaustedError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// MeanWordConfidence averages the per-word confidences, ignoring words the
// engine reported without one.
func MeanWordConfidence(words []Word) float64 {
	var sum float64
	n := 0
	for _, w := range words {
		if w.Confidence > 0 {
			sum += w.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
