package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequest_Clone_IsDeep(t *testing.T) {
	t.Parallel()

	orig := &ChatRequest{
		Kind:     KindChat,
		Model:    "gpt-4o-mini",
		System:   "be brief",
		Messages: []Message{NewUserMessage("hello"), NewAssistantMessage("hi")},
		Stop:     []string{"\n\n"},
	}
	clone := orig.Clone()
	clone.Messages[0].Content = "mutated"
	clone.Stop[0] = "###"
	clone.System = "changed"

	assert.Equal(t, "hello", orig.Messages[0].Content)
	assert.Equal(t, "\n\n", orig.Stop[0])
	assert.Equal(t, "be brief", orig.System)
}

func TestChatRequest_LastUserMessage(t *testing.T) {
	t.Parallel()

	req := &ChatRequest{
		Kind: KindChat,
		Messages: []Message{
			NewSystemMessage("sys"),
			NewUserMessage("first"),
			NewAssistantMessage("answer"),
			NewUserMessage("second"),
		},
	}
	text, idx, ok := req.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "second", text)
	assert.Equal(t, 3, idx)

	fim := &ChatRequest{Kind: KindFIM, Prompt: "def add(a, b):"}
	text, idx, ok = fim.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "def add(a, b):", text)
	assert.Equal(t, -1, idx)

	empty := &ChatRequest{Kind: KindChat}
	_, _, ok = empty.LastUserMessage()
	assert.False(t, ok)
}

func TestChatRequest_TextSegments_RewritesInPlace(t *testing.T) {
	t.Parallel()

	req := &ChatRequest{
		Kind:     KindFIM,
		System:   "sys",
		Messages: []Message{NewUserMessage("body")},
		Prompt:   "prompt",
		Suffix:   "suffix",
	}
	segs := req.TextSegments()
	require.Len(t, segs, 4)
	for _, s := range segs {
		*s = "X"
	}
	assert.Equal(t, "X", req.System)
	assert.Equal(t, "X", req.Messages[0].Content)
	assert.Equal(t, "X", req.Prompt)
	assert.Equal(t, "X", req.Suffix)
}
