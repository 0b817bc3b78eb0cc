package provider

import (
	"bufio"
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

// progressEvery throttles progress callbacks to one per N generated tokens.
const progressEvery = 10

type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	NumPredict  int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OllamaClient generates summaries with a local Ollama instance, streaming
// tokens so callers can observe progress on long transcripts.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	numPredict  int
	timeout     time.Duration
	httpClient  *http.Client
}

func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "llama3.1:8b"
	}
	if config.Temperature <= 0 {
		config.Temperature = 0.3
	}
	if config.NumPredict <= 0 {
		config.NumPredict = 500
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &OllamaClient{
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		model:       config.Model,
		temperature: config.Temperature,
		numPredict:  config.NumPredict,
		timeout:     config.Timeout,
		httpClient:  config.HTTPClient,
	}
}

type ollamaChunk struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *OllamaClient) Summarize(ctx context.Context, req SummarizeRequest) (domain.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return domain.Result{}, errors.New("summarize input is empty")
	}

	payload := map[string]any{
		"model":  c.model,
		"prompt": fmt.Sprintf(summaryPrompt, req.Text),
		"stream": true,
		"options": map[string]any{
			"temperature": c.temperature,
			"num_predict": c.numPredict,
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return domain.Result{}, fmt.Errorf("marshal ollama payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(encoded))
	if err != nil {
		return domain.Result{}, fmt.Errorf("create ollama request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return domain.Result{}, fmt.Errorf("ollama timeout: %w", err)
		}
		return domain.Result{}, fmt.Errorf("ollama transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		body, _ := io.ReadAll(httpResponse.Body)
		return domain.Result{}, newStatusError("ollama", httpResponse.StatusCode, body)
	}

	// The generate endpoint streams one JSON object per line; the closing
	// line carries done=true plus token accounting.
	var (
		summary strings.Builder
		final   ollamaChunk
		tokens  int
		start   = time.Now()
	)
	scanner := bufio.NewScanner(httpResponse.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return domain.Result{}, fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Response != "" {
			summary.WriteString(chunk.Response)
			tokens++
			if req.OnProgress != nil && tokens%progressEvery == 0 {
				req.OnProgress(tokens, time.Since(start))
			}
		}
		if chunk.Done {
			final = chunk
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.Result{}, fmt.Errorf("read ollama stream: %w", err)
	}

	text := strings.TrimSpace(summary.String())
	if text == "" {
		return domain.Result{}, errors.New("ollama response without summary")
	}

	return domain.Result{
		Text:  text,
		Model: firstNonEmpty(final.Model, c.model),
		TokenUsage: domain.TokenUsage{
			Prompt:     final.PromptEvalCount,
			Completion: final.EvalCount,
			Total:      final.PromptEvalCount + final.EvalCount,
		},
	}, nil
}

func (c *OllamaClient) Health(ctx context.Context) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create ollama health request: %w", err)
	}
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return fmt.Errorf("ollama health status %d", httpResponse.StatusCode)
	}
	return nil
}
