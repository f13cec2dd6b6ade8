package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
)

const defaultWhisperURL = "https://api.openai.com/v1/audio/transcriptions"

// WhisperEngine transcribes through an OpenAI-compatible audio
// transcriptions endpoint using verbose_json, which carries the per-segment
// avg_logprob and no_speech_prob signals the calibrator needs.
type WhisperEngine struct {
	httpClient *http.Client
	model      string
	log        zerolog.Logger
}

// NewWhisperEngine returns the Whisper engine with the default model.
func NewWhisperEngine() *WhisperEngine {
	return NewWhisperEngineWithModel("")
}

// NewWhisperEngineWithModel pins the engine to a specific model, letting two
// reconciler variants run different models against the same credential.
func NewWhisperEngineWithModel(model string) *WhisperEngine {
	return &WhisperEngine{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		model:      model,
		log:        logging.New("asr.whisper"),
	}
}

func (e *WhisperEngine) Name() string { return "whisper" }

// whisperResponse is the verbose_json transcription payload.
type whisperResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string  `json:"text"`
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		AvgLogProb   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Transcribe posts the audio as multipart form data. The credential's
// ExtraConfig may carry {"model": "..."} (default whisper-1); its endpoint
// overrides the OpenAI URL for self-hosted compatible servers.
func (e *WhisperEngine) Transcribe(ctx context.Context, audio []byte, languageHint string, cred *datastore.Credential) (*Result, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("whisper API key is missing on credential %s", cred.ID)
	}

	model := e.model
	if model == "" {
		model = "whisper-1"
		if len(cred.ExtraConfig) > 0 {
			var extra struct {
				Model string `json:"model"`
			}
			if err := json.Unmarshal(cred.ExtraConfig, &extra); err == nil && extra.Model != "" {
				model = extra.Model
			}
		}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}
	if err := mw.WriteField("timestamp_granularities[]", "word"); err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}
	if languageHint != "" {
		if err := mw.WriteField("language", languageHint); err != nil {
			return nil, fmt.Errorf("failed to build multipart request: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio to multipart request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart request: %w", err)
	}

	endpoint := defaultWhisperURL
	if cred.Endpoint.Valid && cred.Endpoint.String != "" {
		endpoint = cred.Endpoint.String
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	startTime := time.Now()
	httpResp, err := e.httpClient.Do(req)
	latency := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to whisper endpoint: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(e.Name(), httpResp, respBody)
	}

	var wr whisperResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON response: %w", err)
	}

	out := &Result{
		Engine:      e.Name(),
		Text:        wr.Text,
		DurationSec: wr.Duration,
		LatencyMs:   latency.Milliseconds(),
		Raw:         json.RawMessage(respBody),
	}
	for _, w := range wr.Words {
		out.Words = append(out.Words, Word{Text: w.Word, Start: w.Start, End: w.End})
	}
	if len(wr.Segments) > 0 {
		var logProbSum, noSpeechSum float64
		for _, s := range wr.Segments {
			logProbSum += s.AvgLogProb
			noSpeechSum += s.NoSpeechProb
		}
		out.AvgLogProb = logProbSum / float64(len(wr.Segments))
		out.NoSpeechProb = noSpeechSum / float64(len(wr.Segments))
		// Whisper has no per-word confidence; approximate from log
		// probability so downstream weighting has a usable value.
		out.AvgConfidence = logProbToConfidence(out.AvgLogProb)
	}
	return out, nil
}

// logProbToConfidence maps whisper average log probability (typically in
// [-1, 0] for clean speech) onto [0, 1].
func logProbToConfidence(avgLogProb float64) float64 {
	c := 1.0 + avgLogProb
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}
