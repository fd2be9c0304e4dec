package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/storage"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAnalyzer классифицирует фото через chat/completions с картинкой в data URL.
type OpenAIAnalyzer struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	baseURL     string
	httpClient  *http.Client
}

func NewOpenAIAnalyzer(cfg *config.Config) *OpenAIAnalyzer {
	// 0 leaves the HTTP client without a deadline
	var timeout time.Duration
	if cfg.AITimeoutSeconds > 0 {
		timeout = time.Duration(cfg.AITimeoutSeconds) * time.Second
	}

	return &OpenAIAnalyzer{
		apiKey:      cfg.OpenAIAPIKey,
		model:       cfg.OpenAIModel,
		maxTokens:   cfg.AIMaxOutputTokens,
		temperature: cfg.AITemperature,
		baseURL:     defaultOpenAIBaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, photo Photo) (storage.AnalysisResult, error) {
	if len(photo.Data) == 0 {
		return nil, fmt.Errorf("empty photo for report %d", photo.ReportID)
	}
	contentType := photo.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(photo.Data)
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(photo.Data)

	payload := chatCompletionsRequest{
		Model:          a.model,
		Temperature:    a.temperature,
		MaxTokens:      a.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: fmt.Sprintf("Reported category: %s. Classify the defect in this photo.", photo.Category)},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai request failed with status %d", resp.StatusCode)
	}

	var parsed chatCompletionsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai response does not contain choices")
	}

	return parseVerdict(parsed.Choices[0].Message.Content, a.model, time.Now())
}

const systemPrompt = "You inspect photos of metro infrastructure for defects. " +
	"Answer with a JSON object only: " +
	`{"labels":["..."],"confidence":0.0,"summary":"..."}. ` +
	"labels are short snake_case defect names (e.g. graffiti, broken_glass, dirty_window, damaged_seat). " +
	"confidence is between 0 and 1."

type verdict struct {
	Labels     []string `json:"labels"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
}

func parseVerdict(content, model string, now time.Time) (storage.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if len(v.Labels) == 0 {
		return nil, fmt.Errorf("analysis has no labels")
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}

	result := storage.AnalysisResult{
		"confidence":   v.Confidence,
		"labels":       v.Labels,
		"model":        model,
		"processed_at": now.UTC().Format(time.RFC3339),
	}
	if v.Summary != "" {
		result["summary"] = v.Summary
	}
	return result, nil
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// Content is either a string or a list of parts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
