package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
)

// GoogleEngine transcribes through Google Cloud Speech-to-Text. It requests
// word-level timing and confidence, which the reconciler and calibrator
// consume downstream.
type GoogleEngine struct {
	log zerolog.Logger
}

// NewGoogleEngine returns the Google engine.
func NewGoogleEngine() *GoogleEngine {
	return &GoogleEngine{log: logging.New("asr.google")}
}

func (e *GoogleEngine) Name() string { return "google" }

// Transcribe sends synchronous recognition with word confidence enabled.
// The credential's ExtraConfig may carry {"credentials_path": "...",
// "model": "...", "sample_rate": N}.
func (e *GoogleEngine) Transcribe(ctx context.Context, audio []byte, languageHint string, cred *datastore.Credential) (*Result, error) {
	extra := struct {
		CredentialsPath string `json:"credentials_path"`
		Model           string `json:"model"`
		SampleRate      int32  `json:"sample_rate"`
	}{SampleRate: 16000}
	if len(cred.ExtraConfig) > 0 {
		if err := json.Unmarshal(cred.ExtraConfig, &extra); err != nil {
			return nil, fmt.Errorf("invalid google credential extra_config: %w", err)
		}
	}

	var opts []option.ClientOption
	if extra.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(extra.CredentialsPath))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	defer client.Close()

	if languageHint == "" {
		languageHint = "en-US"
	}
	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            extra.SampleRate,
			LanguageCode:               languageHint,
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
			EnableWordConfidence:       true,
			Model:                      extra.Model,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}

	startTime := time.Now()
	resp, err := client.Recognize(ctx, req)
	latency := time.Since(startTime)
	if err != nil {
		return nil, e.classifyError(err)
	}

	var transcriptBuilder strings.Builder
	var words []Word
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		if transcriptBuilder.Len() > 0 {
			transcriptBuilder.WriteString(" ")
		}
		transcriptBuilder.WriteString(alt.Transcript)
		for _, w := range alt.Words {
			words = append(words, Word{
				Text:       w.Word,
				Start:      w.StartTime.AsDuration().Seconds(),
				End:        w.EndTime.AsDuration().Seconds(),
				Confidence: float64(w.Confidence),
			})
		}
	}

	raw, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		e.log.Warn().Err(marshalErr).Msg("failed to marshal Google Speech response for diagnostics")
		raw = nil
	}

	out := &Result{
		Engine:        e.Name(),
		Text:          strings.TrimSpace(transcriptBuilder.String()),
		Words:         words,
		AvgConfidence: MeanWordConfidence(words),
		LatencyMs:     latency.Milliseconds(),
		Raw:           raw,
	}
	if len(words) > 0 {
		out.DurationSec = words[len(words)-1].End
	}
	return out, nil
}

// classifyError maps gRPC status codes onto the pool's error taxonomy.
// ResourceExhausted without a billing hint is treated as a rate limit so
// the credential cools down rather than being disabled.
func (e *GoogleEngine) classifyError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("google speech recognition failed: %w", err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		if strings.Contains(strings.ToLower(st.Message()), "billing") ||
			strings.Contains(strings.ToLower(st.Message()), "quota exceeded for quota metric") {
			return &QuotaExhaustedError{Engine: e.Name(), Detail: st.Message()}
		}
		return &RateLimitError{Engine: e.Name(), RetryAfter: time.Minute}
	case codes.PermissionDenied:
		return &QuotaExhaustedError{Engine: e.Name(), Detail: st.Message()}
	default:
		return fmt.Errorf("google speech recognition failed: %w", err)
	}
}
