package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hark/internal/domain"
)

type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// DeepgramClient transcribes audio with the Deepgram pre-recorded API.
type DeepgramClient struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

func NewDeepgramClient(config DeepgramConfig) *DeepgramClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "nova-2"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &DeepgramClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		model:      config.Model,
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (c *DeepgramClient) Transcribe(ctx context.Context, req TranscribeRequest) (domain.Result, error) {
	if c.apiKey == "" {
		return domain.Result{}, fmt.Errorf("deepgram: %w", ErrNotConfigured)
	}

	endpoint, err := url.Parse(c.baseURL + "/v1/listen")
	if err != nil {
		return domain.Result{}, fmt.Errorf("parse deepgram url: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", c.model)
	query.Set("smart_format", "true")
	query.Set("punctuate", "true")
	query.Set("paragraphs", "true")
	endpoint.RawQuery = query.Encode()

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, endpoint.String(), req.Audio)
	if err != nil {
		return domain.Result{}, fmt.Errorf("create deepgram request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Token "+c.apiKey)
	contentType := req.MimeType
	if contentType == "" {
		contentType = "audio/wav"
	}
	httpRequest.Header.Set("Content-Type", contentType)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return domain.Result{}, fmt.Errorf("deepgram timeout: %w", err)
		}
		return domain.Result{}, fmt.Errorf("deepgram transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read deepgram body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return domain.Result{}, newStatusError("deepgram", httpResponse.StatusCode, body)
	}

	var raw deepgramResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Result{}, fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(raw.Results.Channels) == 0 || len(raw.Results.Channels[0].Alternatives) == 0 {
		return domain.Result{}, errors.New("deepgram response without alternatives")
	}
	best := raw.Results.Channels[0].Alternatives[0]
	transcript := strings.TrimSpace(best.Transcript)
	if transcript == "" {
		return domain.Result{}, errors.New("deepgram response without transcript")
	}

	confidence := best.Confidence
	return domain.Result{
		Text:       transcript,
		Confidence: &confidence,
		Model:      "deepgram-" + c.model,
		Raw:        json.RawMessage(body),
	}, nil
}

// Health only checks configuration. Remote reachability surfaces on the
// first real call, where retry classification can deal with it.
func (c *DeepgramClient) Health(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("deepgram: %w", ErrNotConfigured)
	}
	return nil
}
