package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"hark/internal/domain"
)

type WhisperConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// WhisperClient talks to the faster-whisper sidecar, a small HTTP wrapper
// around the local speech-to-text model.
type WhisperClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewWhisperClient(config WhisperConfig) *WhisperClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:8090"
	}
	if config.Timeout <= 0 {
		// Long audio takes a while on CPU-only hosts.
		config.Timeout = 5 * time.Minute
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &WhisperClient{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

type whisperResponse struct {
	Text       string   `json:"text"`
	Language   string   `json:"language"`
	Duration   float64  `json:"duration"`
	Confidence *float64 `json:"confidence"`
	Model      string   `json:"model"`
}

func (c *WhisperClient) Transcribe(ctx context.Context, req TranscribeRequest) (domain.Result, error) {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return domain.Result{}, fmt.Errorf("create multipart form: %w", err)
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return domain.Result{}, fmt.Errorf("copy audio into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return domain.Result{}, fmt.Errorf("close multipart form: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/transcribe", &form)
	if err != nil {
		return domain.Result{}, fmt.Errorf("create whisper request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", writer.FormDataContentType())
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return domain.Result{}, fmt.Errorf("whisper timeout: %w", err)
		}
		return domain.Result{}, fmt.Errorf("whisper transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read whisper body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return domain.Result{}, newStatusError("whisper", httpResponse.StatusCode, body)
	}

	var raw whisperResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Result{}, fmt.Errorf("decode whisper response: %w", err)
	}
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return domain.Result{}, errors.New("whisper response without transcript")
	}

	return domain.Result{
		Text:       text,
		Confidence: raw.Confidence,
		Model:      firstNonEmpty(raw.Model, "whisper-large-v3"),
		Raw:        json.RawMessage(body),
	}, nil
}

func (c *WhisperClient) Health(ctx context.Context) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create whisper health request: %w", err)
	}
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("whisper unreachable: %w", err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return fmt.Errorf("whisper health status %d", httpResponse.StatusCode)
	}
	return nil
}
