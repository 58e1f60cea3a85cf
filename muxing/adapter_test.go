package muxing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/codegate/types"
)

func TestDestinationURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		want     string
	}{
		// ---
		{
			name:     "openai gets /v1",
			endpoint: Endpoint{Kind: types.ProviderOpenAI, BaseURL: "https://api.openai.com"},
			want:     "https://api.openai.com/v1",
		},
		// ---
		{
			name:     "trailing slash trimmed first",
			endpoint: Endpoint{Kind: types.ProviderOpenAI, BaseURL: "https://api.openai.com/"},
			want:     "https://api.openai.com/v1",
		},
		// ---
		{
			name:     "already suffixed stays put",
			endpoint: Endpoint{Kind: types.ProviderOpenAI, BaseURL: "https://proxy.corp/v1"},
			want:     "https://proxy.corp/v1",
		},
		// ---
		{
			name:     "vllm is an openai dialect",
			endpoint: Endpoint{Kind: types.ProviderVLLM, BaseURL: "http://vllm.internal:8000"},
			want:     "http://vllm.internal:8000/v1",
		},
		// ---
		{
			name:     "lm_studio serves /v1",
			endpoint: Endpoint{Kind: types.ProviderLMStudio, BaseURL: "http://localhost:1234"},
			want:     "http://localhost:1234/v1",
		},
		// ---
		{
			name:     "openrouter gets /api/v1",
			endpoint: Endpoint{Kind: types.ProviderOpenRouter, BaseURL: "https://openrouter.ai"},
			want:     "https://openrouter.ai/api/v1",
		},
		// ---
		{
			name:     "ollama stays at its root",
			endpoint: Endpoint{Kind: types.ProviderOllama, BaseURL: "http://localhost:11434/"},
			want:     "http://localhost:11434",
		},
		// ---
		{
			name:     "anthropic stays at its root",
			endpoint: Endpoint{Kind: types.ProviderAnthropic, BaseURL: "https://api.anthropic.com"},
			want:     "https://api.anthropic.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DestinationURL(tt.endpoint))
		})
	}
}

func TestApplyRoute_RewritesModel(t *testing.T) {
	req := &types.ChatRequest{Kind: types.KindChat, Model: "whatever-the-client-sent"}
	ApplyRoute(req, routeTo("qwen2.5-coder:1.5b"))
	assert.Equal(t, "qwen2.5-coder:1.5b", req.Model)
}
