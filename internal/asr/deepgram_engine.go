package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
)

const deepgramBaseURL = "https://api.deepgram.com/v1/listen"

// DeepgramEngine transcribes through the Deepgram pre-recorded API.
type DeepgramEngine struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewDeepgramEngine returns the Deepgram engine.
func NewDeepgramEngine() *DeepgramEngine {
	return &DeepgramEngine{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logging.New("asr.deepgram"),
	}
}

func (e *DeepgramEngine) Name() string { return "deepgram" }

// deepgramResponse is the subset of the Deepgram JSON response we consume.
type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word       string  `json:"word"`
					Start      float64 `json:"start"`
					End        float64 `json:"end"`
					Confidence float64 `json:"confidence"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts the audio to Deepgram. The credential endpoint overrides
// the default API URL when set (self-hosted deployments).
func (e *DeepgramEngine) Transcribe(ctx context.Context, audio []byte, languageHint string, cred *datastore.Credential) (*Result, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key is missing on credential %s", cred.ID)
	}

	base := deepgramBaseURL
	if cred.Endpoint.Valid && cred.Endpoint.String != "" {
		base = cred.Endpoint.String
	}
	reqURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Deepgram URL: %w", err)
	}
	query := reqURL.Query()
	if languageHint != "" {
		query.Set("language", languageHint)
	}
	query.Set("punctuate", "true")
	if len(cred.ExtraConfig) > 0 {
		var extra map[string]interface{}
		if err := json.Unmarshal(cred.ExtraConfig, &extra); err == nil {
			for k, v := range extra {
				query.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+cred.APIKey)
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	httpResp, err := e.httpClient.Do(req)
	latency := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Deepgram: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Deepgram response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(e.Name(), httpResp, respBody)
	}

	var dg deepgramResponse
	if err := json.Unmarshal(respBody, &dg); err != nil {
		return nil, fmt.Errorf("failed to parse Deepgram JSON response: %w", err)
	}

	out := &Result{
		Engine:      e.Name(),
		LatencyMs:   latency.Milliseconds(),
		DurationSec: dg.Metadata.Duration,
		Raw:         json.RawMessage(respBody),
	}
	if len(dg.Results.Channels) > 0 && len(dg.Results.Channels[0].Alternatives) > 0 {
		alt := dg.Results.Channels[0].Alternatives[0]
		out.Text = alt.Transcript
		for _, w := range alt.Words {
			out.Words = append(out.Words, Word{Text: w.Word, Start: w.Start, End: w.End, Confidence: w.Confidence})
		}
		out.AvgConfidence = MeanWordConfidence(out.Words)
		if out.AvgConfidence == 0 {
			out.AvgConfidence = alt.Confidence
		}
	} else {
		e.log.Debug().Msg("deepgram response contained no transcript, returning empty text")
	}
	return out, nil
}

// classifyHTTPError maps HTTP failures onto the pool's error taxonomy:
// 429 carries a Retry-After hint and cools the credential down; 402 and
// insufficient-balance 403s disable it.
func classifyHTTPError(engine string, resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Minute
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Engine: engine, RetryAfter: retryAfter}
	case http.StatusPaymentRequired, http.StatusForbidden:
		return &QuotaExhaustedError{Engine: engine, Detail: string(body)}
	default:
		return fmt.Errorf("%s request failed with status %s: %s", engine, resp.Status, string(body))
	}
}
