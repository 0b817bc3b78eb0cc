package provider

import (
	"context"
	"fmt"

	"hark/internal/domain"
)

// Local runs inference against services on the same host: the
// faster-whisper sidecar for transcription and Ollama for summarization.
type Local struct {
	whisper *WhisperClient
	ollama  *OllamaClient
}

func NewLocal(whisper *WhisperClient, ollama *OllamaClient) *Local {
	return &Local{whisper: whisper, ollama: ollama}
}

func (p *Local) Kind() domain.ProviderKind { return domain.ProviderLocal }

func (p *Local) Transcribe(ctx context.Context, req TranscribeRequest) (domain.Result, error) {
	return p.whisper.Transcribe(ctx, req)
}

func (p *Local) Summarize(ctx context.Context, req SummarizeRequest) (domain.Result, error) {
	return p.ollama.Summarize(ctx, req)
}

func (p *Local) Health(ctx context.Context) error {
	if err := p.whisper.Health(ctx); err != nil {
		return fmt.Errorf("whisper: %w", err)
	}
	if err := p.ollama.Health(ctx); err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	return nil
}
