package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
)

const defaultChatURL = "https://api.openai.com/v1/chat/completions"

// QuestionTranscript is one answered question as submitted to the scorer.
type QuestionTranscript struct {
	SegmentKey     string  `json:"segment_key"`
	PartNumber     int     `json:"part_number"`
	QuestionNumber int     `json:"question_number"`
	QuestionID     string  `json:"question_id"`
	Transcript     string  `json:"transcript"`
	DurationSec    float64 `json:"duration_sec"`
	WordCount      int     `json:"word_count"`
	Confidence     string  `json:"confidence"`
}

// ScoreRequest is the structured prompt payload for the scoring provider.
type ScoreRequest struct {
	Transcripts []QuestionTranscript `json:"transcripts"`
	// RepairHint carries validation feedback when re-submitting after an
	// invalid response.
	RepairHint string `json:"-"`
}

// ModelAnswer is a reference answer the scorer produces per question.
type ModelAnswer struct {
	SegmentKey string `json:"segment_key"`
	Answer     string `json:"answer"`
	// Synthesized marks placeholder answers built from the transcript when
	// the provider omitted one.
	Synthesized bool `json:"synthesized,omitempty"`
}

// ScorerResponse is the parsed scorer output before calibration.
type ScorerResponse struct {
	Criteria     map[string]CriterionScore `json:"criteria"`
	ModelAnswers []ModelAnswer             `json:"model_answers"`
	Summary      string                    `json:"summary"`
}

// Scorer submits a structured scoring request to an external provider.
type Scorer interface {
	Score(ctx context.Context, req *ScoreRequest, cred *datastore.Credential) (*ScorerResponse, error)
}

// LLMScorer scores through an OpenAI-compatible chat completions endpoint.
// The credential's endpoint overrides the default URL; ExtraConfig may carry
// {"model": "...", "max_tokens": N}.
type LLMScorer struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewLLMScorer returns the chat-completions scorer.
func NewLLMScorer() *LLMScorer {
	return &LLMScorer{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logging.New("scoring.llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

const scoringSystemPrompt = `You are an examiner for a spoken English proficiency test. You receive the candidate's transcribed answers grouped by question, with duration and word-count metadata. Score three criteria on a 0-9 band scale in half-band steps: fluency_coherence, lexical_resource, grammatical_range. Do not score pronunciation; it is derived separately. For each criterion give a band, a short justification, strengths, weaknesses and suggestions. For each question produce a concise model answer. Segments marked very-low confidence carry no usable speech; treat them as no evidence, never invent content for them. Respond with a single JSON object: {"criteria": {"<name>": {"band": n, "justification": "...", "strengths": [...], "weaknesses": [...], "suggestions": [...]}}, "model_answers": [{"segment_key": "...", "answer": "..."}], "summary": "..."}`

// Score submits the transcripts and parses the JSON the model returns.
func (s *LLMScorer) Score(ctx context.Context, req *ScoreRequest, cred *datastore.Credential) (*ScorerResponse, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("scoring API key is missing on credential %s", cred.ID)
	}

	model := "gpt-4o"
	maxTokens := 3000
	if len(cred.ExtraConfig) > 0 {
		var extra struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
		}
		if err := json.Unmarshal(cred.ExtraConfig, &extra); err == nil {
			if extra.Model != "" {
				model = extra.Model
			}
			if extra.MaxTokens > 0 {
				maxTokens = extra.MaxTokens
			}
		}
	}

	userPayload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scoring request: %w", err)
	}
	messages := []chatMessage{
		{Role: "system", Content: scoringSystemPrompt},
		{Role: "user", Content: string(userPayload)},
	}
	if req.RepairHint != "" {
		messages = append(messages, chatMessage{
			Role:    "user",
			Content: "The previous response was invalid: " + req.RepairHint + ". Return the complete corrected JSON object.",
		})
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	endpoint := defaultChatURL
	if cred.Endpoint.Valid && cred.Endpoint.String != "" {
		endpoint = cred.Endpoint.String
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.APIKey)

	startTime := time.Now()
	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to scoring provider: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyScoringHTTPError(httpResp, respBody)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("failed to parse scoring provider response: %w", err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("scoring provider error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("scoring provider returned no choices")
	}

	content := extractJSONObject(cr.Choices[0].Message.Content)
	var out ScorerResponse
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("failed to parse scorer JSON content: %w", err)
	}
	s.log.Debug().Dur("latency", time.Since(startTime)).Str("model", model).
		Int("criteria", len(out.Criteria)).Msg("scoring call completed")
	return &out, nil
}

// extractJSONObject strips markdown code fences some models wrap around
// JSON despite the response-format hint.
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
