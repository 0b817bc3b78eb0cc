package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hark/internal/domain"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIClient summarizes transcripts with the chat completions API.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	httpClient  *http.Client
}

func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "gpt-4.1-mini"
	}
	if config.Temperature <= 0 {
		config.Temperature = 0.3
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 500
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &OpenAIClient{
		apiKey:      strings.TrimSpace(config.APIKey),
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		model:       config.Model,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		timeout:     config.Timeout,
		httpClient:  config.HTTPClient,
	}
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Summarize(ctx context.Context, req SummarizeRequest) (domain.Result, error) {
	if c.apiKey == "" {
		return domain.Result{}, fmt.Errorf("openai: %w", ErrNotConfigured)
	}
	if strings.TrimSpace(req.Text) == "" {
		return domain.Result{}, errors.New("summarize input is empty")
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(summaryPrompt, req.Text)},
		},
		"temperature": c.temperature,
		"max_tokens":  c.maxTokens,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return domain.Result{}, fmt.Errorf("marshal openai payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return domain.Result{}, fmt.Errorf("create openai request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return domain.Result{}, fmt.Errorf("openai timeout: %w", err)
		}
		return domain.Result{}, fmt.Errorf("openai transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read openai body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return domain.Result{}, newStatusError("openai", httpResponse.StatusCode, body)
	}

	var raw chatCompletionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Result{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(raw.Choices) == 0 {
		return domain.Result{}, errors.New("openai response without choices")
	}
	text := strings.TrimSpace(raw.Choices[0].Message.Content)
	if text == "" {
		return domain.Result{}, errors.New("openai response without text output")
	}

	return domain.Result{
		Text:  text,
		Model: firstNonEmpty(raw.Model, c.model),
		TokenUsage: domain.TokenUsage{
			Prompt:     raw.Usage.PromptTokens,
			Completion: raw.Usage.CompletionTokens,
			Total:      raw.Usage.TotalTokens,
		},
		Raw: json.RawMessage(body),
	}, nil
}

func (c *OpenAIClient) Health(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("openai: %w", ErrNotConfigured)
	}
	return nil
}
