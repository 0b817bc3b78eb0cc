// Package provider holds the inference adapters. Two implementations exist
// behind the Adapter interface: Local (faster-whisper sidecar + Ollama) and
// Remote (Deepgram + OpenAI). Adapters run a single attempt; retry policy
// belongs to the job processor.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hark/internal/domain"
)

var ErrNotConfigured = errors.New("provider credentials not configured")

// ProgressFunc receives intermediate progress while a call is running.
// Implementations invoke it from the request goroutine; it must not block.
type ProgressFunc func(tokenCount int, elapsed time.Duration)

type TranscribeRequest struct {
	Filename string
	MimeType string
	Audio    io.Reader
}

type SummarizeRequest struct {
	Text       string
	OnProgress ProgressFunc
}

// Adapter executes inference calls for one provider family.
type Adapter interface {
	Kind() domain.ProviderKind
	Transcribe(ctx context.Context, req TranscribeRequest) (domain.Result, error)
	Summarize(ctx context.Context, req SummarizeRequest) (domain.Result, error)
	Health(ctx context.Context) error
}

// summaryPrompt is shared by both summarization backends so results stay
// comparable across providers.
const summaryPrompt = `Summarize the following transcript concisely. Include:
- Main topics discussed
- Key points and takeaways
- Overall sentiment/tone

Transcript:
%s

Summary:`

// StatusError is a non-2xx reply from an upstream inference service.
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Message)
}

func newStatusError(service string, statusCode int, body []byte) *StatusError {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return &StatusError{Service: service, StatusCode: statusCode, Message: message}
}

// IsTransient reports whether a provider error is worth retrying: rate
// limits, upstream 5xx, timeouts and connection failures. Everything else,
// including other 4xx and malformed responses, is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") || strings.Contains(message, "tempor") {
		return true
	}
	if strings.Contains(message, "connection refused") || strings.Contains(message, "connection reset") {
		return true
	}
	return false
}

// Registry resolves the adapter for a job's provider kind.
type Registry struct {
	adapters map[domain.ProviderKind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.ProviderKind]Adapter, len(adapters))}
	for _, adapter := range adapters {
		r.adapters[adapter.Kind()] = adapter
	}
	return r
}

func (r *Registry) Get(kind domain.ProviderKind) (Adapter, error) {
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", kind)
	}
	return adapter, nil
}

func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		adapters = append(adapters, adapter)
	}
	return adapters
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
