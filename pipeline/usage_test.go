package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/types"
)

func TestUsage_UpstreamReportWins(t *testing.T) {
	p := newOutput(t, NewUsage("some prompt", zap.NewNop()))

	p.Process(context.Background(), types.StreamChunk{Content: "hello"})
	p.Process(context.Background(), types.StreamChunk{
		FinishReason: "stop",
		Usage:        &types.Usage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18},
	})
	p.Close(context.Background())

	assert.Equal(t, 11, p.Context().Usage.PromptTokens)
	assert.Equal(t, 7, p.Context().Usage.CompletionTokens)
	assert.Equal(t, 18, p.Context().Usage.TotalTokens)
}

func TestUsage_LocalFallback(t *testing.T) {
	prompt := "Write a function that reverses a string in place."
	p := newOutput(t, NewUsage(prompt, zap.NewNop()))

	p.Process(context.Background(), types.StreamChunk{Content: "func reverse(s []byte) {"})
	p.Process(context.Background(), types.StreamChunk{Content: " /* ... */ }"})
	p.Close(context.Background())

	u := p.Context().Usage
	assert.Positive(t, u.PromptTokens)
	assert.Positive(t, u.CompletionTokens)
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
}

func TestUsage_EmptyStream(t *testing.T) {
	p := newOutput(t, NewUsage("prompt text here", zap.NewNop()))
	p.Close(context.Background())

	u := p.Context().Usage
	assert.Positive(t, u.PromptTokens)
	assert.Zero(t, u.CompletionTokens)
	assert.Equal(t, u.PromptTokens, u.TotalTokens)
}

func TestCountTokens_StableForSameInput(t *testing.T) {
	a := CountTokens("the quick brown fox jumps over the lazy dog")
	b := CountTokens("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, a, b)
	assert.Positive(t, a)
}

func TestPromptText_FlattensRequest(t *testing.T) {
	req := &types.ChatRequest{
		Kind:   types.KindChat,
		System: "be terse",
		Messages: []types.Message{
			types.NewUserMessage("first"),
			{Role: types.RoleAssistant, Content: "second"},
		},
	}
	assert.Equal(t, "be terse\nfirst\nsecond", PromptText(req))

	fim := &types.ChatRequest{Kind: types.KindFIM, Prompt: "def f(", Suffix: "return x"}
	assert.Equal(t, "def f(\nreturn x", PromptText(fim))
}
