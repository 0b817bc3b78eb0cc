package provider

import (
	"context"
	"fmt"

	"hark/internal/domain"
)

// Remote runs inference against hosted APIs: Deepgram for transcription and
// OpenAI for summarization.
type Remote struct {
	deepgram *DeepgramClient
	openai   *OpenAIClient
}

func NewRemote(deepgram *DeepgramClient, openai *OpenAIClient) *Remote {
	return &Remote{deepgram: deepgram, openai: openai}
}

func (p *Remote) Kind() domain.ProviderKind { return domain.ProviderRemote }

func (p *Remote) Transcribe(ctx context.Context, req TranscribeRequest) (domain.Result, error) {
	return p.deepgram.Transcribe(ctx, req)
}

func (p *Remote) Summarize(ctx context.Context, req SummarizeRequest) (domain.Result, error) {
	return p.openai.Summarize(ctx, req)
}

func (p *Remote) Health(ctx context.Context) error {
	if err := p.deepgram.Health(ctx); err != nil {
		return fmt.Errorf("deepgram: %w", err)
	}
	if err := p.openai.Health(ctx); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	return nil
}
