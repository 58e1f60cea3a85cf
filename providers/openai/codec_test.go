package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codegate/types"
)

func TestDecodeRequest_ChatWithSystemFolding(t *testing.T) {
	body := `{
		"model": "gpt-4o-mini",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "system", "content": "answer in go"},
			{"role": "user", "content": "write a loop"}
		],
		"temperature": 0.2,
		"stream": true,
		"tools": [{"type":"function","function":{"name":"f"}}]
	}`

	req, err := New().DecodeRequest([]byte(body), "/chat/completions")
	require.NoError(t, err)

	assert.Equal(t, types.KindChat, req.Kind)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, "be terse\nanswer in go", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, types.RoleUser, req.Messages[0].Role)
	assert.True(t, req.Stream)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)

	// Fields the pipeline does not model ride along untouched.
	require.Contains(t, req.Extra, "tools")
	assert.JSONEq(t, `[{"type":"function","function":{"name":"f"}}]`, string(req.Extra["tools"]))
}

func TestDecodeRequest_LegacyCompletions(t *testing.T) {
	body := `{"model":"code-model","prompt":"def f(","suffix":"return x","max_tokens":64,"stop":["\n\n"]}`

	req, err := New().DecodeRequest([]byte(body), "/completions")
	require.NoError(t, err)

	assert.Equal(t, types.KindFIM, req.Kind)
	assert.Equal(t, "def f(", req.Prompt)
	assert.Equal(t, "return x", req.Suffix)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
	assert.Equal(t, []string{"\n\n"}, req.Stop)
	assert.Empty(t, req.Messages)
}

func TestDecodeRequest_Invalid(t *testing.T) {
	_, err := New().DecodeRequest([]byte(`{`), "/chat/completions")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, types.HTTPStatusFor(err))
}

func TestEncodeRequest_RoundTripsExtrasAndSystem(t *testing.T) {
	codec := New()
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": "hi"}
		],
		"tools": [{"type":"function","function":{"name":"f"}}],
		"tool_choice": "auto",
		"stream": true
	}`
	req, err := codec.DecodeRequest([]byte(body), "/chat/completions")
	require.NoError(t, err)

	out, err := codec.EncodeRequest(req)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.JSONEq(t, `"auto"`, string(wire["tool_choice"]))
	assert.JSONEq(t, `[{"type":"function","function":{"name":"f"}}]`, string(wire["tools"]))
	assert.JSONEq(t, `true`, string(wire["stream"]))

	var msgs []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	require.NoError(t, json.Unmarshal(wire["messages"], &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.JSONEq(t, `"sys"`, string(msgs[0].Content))
	assert.Equal(t, "user", msgs[1].Role)
}

func TestEncodeRequest_FIM(t *testing.T) {
	mt := 32
	req := &types.ChatRequest{
		Kind:      types.KindFIM,
		Model:     "code-model",
		Prompt:    "def f(",
		Suffix:    "return",
		MaxTokens: &mt,
		Stream:    true,
	}

	out, err := New().EncodeRequest(req)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, "def f(", wire["prompt"])
	assert.Equal(t, "return", wire["suffix"])
	assert.Equal(t, float64(32), wire["max_tokens"])
	_, hasMessages := wire["messages"]
	assert.False(t, hasMessages)
}

func TestDecodeResponse(t *testing.T) {
	body := `{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"created": 1736000000,
		"choices": [{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
	}`

	resp, err := New().DecodeResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestEncodeResponse(t *testing.T) {
	resp := &types.ChatResponse{
		ID:           "x",
		Model:        "gpt-4o",
		Content:      "done",
		FinishReason: "stop",
		Usage:        &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}

	out, err := New().EncodeResponse(resp)
	require.NoError(t, err)

	var wire struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, "chat.completion", wire.Object)
	require.Len(t, wire.Choices, 1)
	assert.Equal(t, "assistant", wire.Choices[0].Message.Role)
	assert.Equal(t, "done", wire.Choices[0].Message.Content)
	assert.Equal(t, "stop", wire.Choices[0].FinishReason)
}

func TestStreamDecoder(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"id":"c1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"llo"}}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	dec := New().NewStreamDecoder(strings.NewReader(raw))

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, types.RoleAssistant, first.Role)
	assert.Equal(t, "he", first.Content)

	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "llo", second.Content)

	final, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "stop", final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 3, final.Usage.TotalTokens)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDecoder_ToolCallDelta(t *testing.T) {
	raw := `data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"a\":1}"}}]}}]}` + "\n\n" +
		"data: [DONE]\n\n"

	dec := New().NewStreamDecoder(strings.NewReader(raw))
	chunk, err := dec.Next()
	require.NoError(t, err)
	require.Len(t, chunk.ToolCalls, 1)
	assert.Equal(t, "f", chunk.ToolCalls[0].Name)
	assert.JSONEq(t, `{"a":1}`, string(chunk.ToolCalls[0].Arguments))
}

func TestStreamDecoder_UsageOnlyTrailer(t *testing.T) {
	// stream_options include_usage sends a trailer with empty choices.
	raw := `data: {"id":"c1","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}` + "\n\n" +
		"data: [DONE]\n\n"

	dec := New().NewStreamDecoder(strings.NewReader(raw))
	chunk, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 10, chunk.Usage.TotalTokens)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamEncoder(t *testing.T) {
	var sb strings.Builder
	enc := New().NewStreamEncoder(&sb)

	require.NoError(t, enc.Write(types.StreamChunk{ID: "c1", Model: "m", Role: types.RoleAssistant, Content: "hi"}))
	require.NoError(t, enc.Write(types.StreamChunk{ID: "c1", FinishReason: "stop"}))
	require.NoError(t, enc.Close())

	out := sb.String()
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	lines := strings.Split(strings.TrimSpace(out), "\n\n")
	require.Len(t, lines, 3)

	var first struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "data: ")), &first))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	require.Len(t, first.Choices, 1)
	assert.Equal(t, "hi", first.Choices[0].Delta.Content)
}

func TestCompletionPathAndAuth(t *testing.T) {
	codec := New()
	assert.Equal(t, "/chat/completions", codec.CompletionPath(types.KindChat))
	assert.Equal(t, "/completions", codec.CompletionPath(types.KindFIM))

	h := http.Header{}
	codec.ApplyAuth(h, "sk-test")
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	empty := http.Header{}
	codec.ApplyAuth(empty, "")
	assert.Empty(t, empty.Get("Authorization"))
}

func TestForKindReportsKind(t *testing.T) {
	assert.Equal(t, types.ProviderVLLM, ForKind(types.ProviderVLLM).Kind())
	assert.Equal(t, types.ProviderOpenAI, New().Kind())
}
