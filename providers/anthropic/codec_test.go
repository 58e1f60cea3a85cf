package anthropic

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/types"
)

func TestDecodeRequest_Blocks(t *testing.T) {
	body := `{
		"model": "claude-3-5-sonnet",
		"max_tokens": 1024,
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "42"}
			]}
		],
		"metadata": {"user_id": "u1"}
	}`

	req, err := New().DecodeRequest([]byte(body), "/v1/messages")
	require.NoError(t, err)

	assert.Equal(t, "claude-3-5-sonnet", req.Model)
	assert.Equal(t, "be terse", req.System)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 1024, *req.MaxTokens)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, types.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Content)

	assert.Equal(t, types.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "let me check", req.Messages[1].Content)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "lookup", req.Messages[1].ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(req.Messages[1].ToolCalls[0].Arguments))

	// tool_result blocks surface as tool-role messages.
	assert.Equal(t, types.RoleTool, req.Messages[2].Role)
	assert.Equal(t, "tu_1", req.Messages[2].ToolCallID)
	assert.Equal(t, "42", req.Messages[2].Content)

	require.Contains(t, req.Extra, "metadata")
}

func TestDecodeRequest_SystemBlocks(t *testing.T) {
	body := `{
		"model": "claude-3-5-sonnet",
		"max_tokens": 10,
		"system": [{"type": "text", "text": "one "}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`

	req, err := New().DecodeRequest([]byte(body), "/v1/messages")
	require.NoError(t, err)
	assert.Equal(t, "one two", req.System)
}

func TestEncodeRequest_DefaultsMaxTokens(t *testing.T) {
	req := &types.ChatRequest{
		Kind:     types.KindChat,
		Model:    "claude-3-5-sonnet",
		System:   "sys",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}

	out, err := New().EncodeRequest(req)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, float64(defaultMaxTokens), wire["max_tokens"])
	assert.Equal(t, "sys", wire["system"])
}

func TestEncodeRequest_FIMBecomesUserTurn(t *testing.T) {
	req := &types.ChatRequest{
		Kind:   types.KindFIM,
		Model:  "claude-3-5-sonnet",
		Prompt: "def f(",
	}

	out, err := New().EncodeRequest(req)
	require.NoError(t, err)

	var wire struct {
		Messages []wireMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &wire))
	require.Len(t, wire.Messages, 1)
	assert.Equal(t, "user", wire.Messages[0].Role)
	assert.JSONEq(t, `"def f("`, string(wire.Messages[0].Content))
}

func TestEncodeRequest_ToolMessages(t *testing.T) {
	req := &types.ChatRequest{
		Kind:  types.KindChat,
		Model: "claude-3-5-sonnet",
		Messages: []types.Message{
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "tu_1", Name: "lookup"}}},
			{Role: types.RoleTool, ToolCallID: "tu_1", Content: "42"},
		},
	}

	out, err := New().EncodeRequest(req)
	require.NoError(t, err)

	var wire struct {
		Messages []struct {
			Role    string      `json:"role"`
			Content []wireBlock `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &wire))
	require.Len(t, wire.Messages, 2)

	require.Len(t, wire.Messages[0].Content, 1)
	assert.Equal(t, "tool_use", wire.Messages[0].Content[0].Type)
	assert.JSONEq(t, `{}`, string(wire.Messages[0].Content[0].Input))

	// Tool results travel as user messages in this dialect.
	assert.Equal(t, "user", wire.Messages[1].Role)
	require.Len(t, wire.Messages[1].Content, 1)
	assert.Equal(t, "tool_result", wire.Messages[1].Content[0].Type)
	assert.Equal(t, "tu_1", wire.Messages[1].Content[0].ToolUseID)
}

func TestDecodeResponse(t *testing.T) {
	body := `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-sonnet",
		"content": [
			{"type": "text", "text": "the answer"},
			{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": 1}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 7, "output_tokens": 12}
	}`

	resp, err := New().DecodeResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.PromptTokens)
	assert.Equal(t, 12, resp.Usage.CompletionTokens)
	assert.Equal(t, 19, resp.Usage.TotalTokens)
}

func TestEncodeResponse(t *testing.T) {
	resp := &types.ChatResponse{
		Model:        "claude-3-5-sonnet",
		Content:      "done",
		FinishReason: "length",
		Usage:        &types.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}

	out, err := New().EncodeResponse(resp)
	require.NoError(t, err)

	var wire wireResponse
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.True(t, strings.HasPrefix(wire.ID, "msg_"))
	assert.Equal(t, "max_tokens", wire.StopReason)
	require.Len(t, wire.Content, 1)
	assert.Equal(t, "done", wire.Content[0].Text)
	require.NotNil(t, wire.Usage)
	assert.Equal(t, 2, wire.Usage.OutputTokens)
}

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func TestStreamDecoder_TextScript(t *testing.T) {
	script := sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet","content":[],"usage":{"input_tokens":7,"output_tokens":0}}}`) +
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`) +
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`) +
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`) +
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`) +
		sseEvent("message_stop", `{"type":"message_stop"}`)

	dec := New().NewStreamDecoder(strings.NewReader(script))

	start, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "msg_1", start.ID)
	assert.Equal(t, types.RoleAssistant, start.Role)

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hello", first.Content)

	second, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, " world", second.Content)

	final, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "stop", final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.PromptTokens)
	assert.Equal(t, 12, final.Usage.CompletionTokens)
	assert.Equal(t, 19, final.Usage.TotalTokens)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDecoder_ToolUseScript(t *testing.T) {
	script := sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`) +
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"lookup"}}`) +
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`) +
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`) +
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`) +
		sseEvent("message_stop", `{"type":"message_stop"}`)

	dec := New().NewStreamDecoder(strings.NewReader(script))

	_, err := dec.Next() // message_start
	require.NoError(t, err)

	toolChunk, err := dec.Next()
	require.NoError(t, err)
	require.Len(t, toolChunk.ToolCalls, 1)
	assert.Equal(t, "tu_1", toolChunk.ToolCalls[0].ID)
	assert.Equal(t, "lookup", toolChunk.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(toolChunk.ToolCalls[0].Arguments))

	final, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", final.FinishReason)
}

func TestStreamDecoder_TruncatedStream(t *testing.T) {
	// No message_stop: the final chunk still carries what arrived.
	script := sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_3","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":2,"output_tokens":0}}}`) +
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`)

	dec := New().NewStreamDecoder(strings.NewReader(script))

	_, err := dec.Next()
	require.NoError(t, err)

	final, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "stop", final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 6, final.Usage.TotalTokens)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamEncoder_EventSequence(t *testing.T) {
	var sb strings.Builder
	enc := New().NewStreamEncoder(&sb)

	require.NoError(t, enc.Write(types.StreamChunk{ID: "msg_1", Model: "m", Role: types.RoleAssistant}))
	require.NoError(t, enc.Write(types.StreamChunk{Content: "Hel"}))
	require.NoError(t, enc.Write(types.StreamChunk{Content: "lo"}))
	require.NoError(t, enc.Write(types.StreamChunk{
		FinishReason: "stop",
		Usage:        &types.Usage{PromptTokens: 7, CompletionTokens: 12, TotalTokens: 19},
	}))
	require.NoError(t, enc.Close())

	sse := providers.NewSSEReader(strings.NewReader(sb.String()))
	var names []string
	var events []streamEvent
	for {
		ev, err := sse.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, ev.Name)
		var parsed streamEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &parsed))
		events = append(events, parsed)
	}

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "Hel", events[2].Delta.Text)
	assert.Equal(t, "end_turn", events[5].Delta.StopReason)
	require.NotNil(t, events[5].Usage)
	assert.Equal(t, 12, events[5].Usage.OutputTokens)
}

func TestStreamEncoder_ToolCallBlocks(t *testing.T) {
	var sb strings.Builder
	enc := New().NewStreamEncoder(&sb)

	require.NoError(t, enc.Write(types.StreamChunk{ID: "msg_1", Content: "thinking"}))
	require.NoError(t, enc.Write(types.StreamChunk{
		ToolCalls: []types.ToolCall{{ID: "tu_1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}},
	}))
	require.NoError(t, enc.Close())

	sse := providers.NewSSEReader(strings.NewReader(sb.String()))
	var names []string
	for {
		ev, err := sse.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, ev.Name)
	}

	// Text lives in block 0, the tool call in its own block.
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)
}

func TestStopReasonMapping(t *testing.T) {
	cases := []struct {
		upstream   string
		normalized string
	}{
		// ---
		{"end_turn", "stop"},
		// ---
		{"stop_sequence", "stop"},
		// ---
		{"max_tokens", "length"},
		// ---
		{"tool_use", "tool_calls"},
		// ---
		{"pause_turn", "pause_turn"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.normalized, finishFromStopReason(tc.upstream), tc.upstream)
	}

	assert.Equal(t, "end_turn", stopReasonFromFinish(""))
	assert.Equal(t, "end_turn", stopReasonFromFinish("stop"))
	assert.Equal(t, "max_tokens", stopReasonFromFinish("length"))
	assert.Equal(t, "tool_use", stopReasonFromFinish("tool_calls"))
}

func TestCompletionPathAndAuth(t *testing.T) {
	codec := New()
	assert.Equal(t, "/v1/messages", codec.CompletionPath(types.KindChat))
	assert.Equal(t, "/v1/messages", codec.CompletionPath(types.KindFIM))

	h := http.Header{}
	codec.ApplyAuth(h, "sk-ant-test")
	assert.Equal(t, "sk-ant-test", h.Get("x-api-key"))
	assert.Equal(t, apiVersion, h.Get("anthropic-version"))
	assert.Empty(t, h.Get("Authorization"))
}
