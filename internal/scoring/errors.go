package scoring

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"spoken-eval-platform/internal/asr"
)

// classifyScoringHTTPError maps provider HTTP failures onto the shared quota
// taxonomy so the calibrator can cool down or disable the credential the
// same way the transcription stage does.
func classifyScoringHTTPError(resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Minute
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &asr.RateLimitError{Engine: "scoring", RetryAfter: retryAfter}
	case http.StatusPaymentRequired, http.StatusForbidden:
		return &asr.QuotaExhaustedError{Engine: "scoring", Detail: string(body)}
	default:
		return fmt.Errorf("scoring provider returned status %d: %s", resp.StatusCode, string(body))
	}
}
