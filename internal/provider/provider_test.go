package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"hark/internal/domain"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", &StatusError{Service: "openai", StatusCode: 429}, true},
		{"server error", &StatusError{Service: "whisper", StatusCode: 500}, true},
		{"bad gateway", &StatusError{Service: "deepgram", StatusCode: 502}, true},
		{"unauthorized", &StatusError{Service: "deepgram", StatusCode: 401}, false},
		{"not found", &StatusError{Service: "ollama", StatusCode: 404}, false},
		{"wrapped status", fmt.Errorf("call failed: %w", &StatusError{Service: "openai", StatusCode: 503}), true},
		{"deadline", fmt.Errorf("whisper timeout: %w", context.DeadlineExceeded), true},
		{"connection refused", errors.New(`dial tcp 127.0.0.1:11434: connect: connection refused`), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"validation", errors.New("summarize input is empty"), false},
		{"decode failure", errors.New("decode ollama chunk: unexpected end of JSON input"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

type stubAdapter struct {
	kind domain.ProviderKind
}

func (s stubAdapter) Kind() domain.ProviderKind { return s.kind }

func (s stubAdapter) Transcribe(context.Context, TranscribeRequest) (domain.Result, error) {
	return domain.Result{}, nil
}

func (s stubAdapter) Summarize(context.Context, SummarizeRequest) (domain.Result, error) {
	return domain.Result{}, nil
}

func (s stubAdapter) Health(context.Context) error { return nil }

func TestRegistryResolvesByKind(t *testing.T) {
	registry := NewRegistry(
		stubAdapter{kind: domain.ProviderLocal},
		stubAdapter{kind: domain.ProviderRemote},
	)

	adapter, err := registry.Get(domain.ProviderLocal)
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if adapter.Kind() != domain.ProviderLocal {
		t.Fatalf("got %q, want local", adapter.Kind())
	}

	if _, err := registry.Get("gpu-cluster"); err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
	if got := len(registry.All()); got != 2 {
		t.Fatalf("All() returned %d adapters, want 2", got)
	}
}
