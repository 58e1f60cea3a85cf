package providers

import (
	"encoding/json"

	"github.com/stacklok/codegate/types"
)

// OpenAI Chat Completions wire vocabulary. The openai, vllm,
// openrouter, lm_studio and copilot dialects serialize to these
// shapes; llamacpp reuses them for its chat endpoint.

// ChatMessage is the OpenAI-dialect message form.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []WireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// WireToolCall is the OpenAI-dialect tool invocation.
type WireToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function WireFunction `json:"function"`
}

// WireFunction carries a tool name and its JSON-encoded arguments.
type WireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatCompletionRequest is the OpenAI-dialect request, chat and
// completion (FIM) fields combined. Unknown fields survive a
// decode/encode round trip through the extras map.
type ChatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages,omitempty"`
	Prompt      json.RawMessage `json:"prompt,omitempty"` // string or []string on /completions
	Suffix      string          `json:"suffix,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"` // string or []string
	Stream      bool            `json:"stream,omitempty"`
}

// ChatCompletionChoice is one choice of a response or stream event.
type ChatCompletionChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	Text         string       `json:"text,omitempty"` // legacy /completions
}

// WireUsage is the OpenAI-dialect token usage block.
type WireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the OpenAI-dialect response envelope,
// shared between the full response and stream events.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object,omitempty"`
	Created int64                  `json:"created,omitempty"`
	Model   string                 `json:"model,omitempty"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *WireUsage             `json:"usage,omitempty"`
}

// ContentText flattens an OpenAI-dialect content value. Assistants
// send either a plain string or a list of typed parts; only text parts
// carry redactable bytes.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// encodeContent wraps plain text back into the string content form.
func encodeContent(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	b, _ := json.Marshal(text)
	return b
}

// PromptText flattens an OpenAI-dialect prompt value (string or list
// of strings) into one string.
func PromptText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return ""
	}
	out := ""
	for _, p := range list {
		out += p
	}
	return out
}

// StopList flattens an OpenAI-dialect stop value (string or list).
func StopList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

// MessagesFromWire converts OpenAI-dialect messages to the normalized
// form. System messages are folded into the request's System field by
// the caller, so they pass through here unchanged.
func MessagesFromWire(msgs []ChatMessage) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		nm := types.Message{
			Role:       types.Role(m.Role),
			Content:    ContentText(m.Content),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			nm.ToolCalls = append(nm.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		out = append(out, nm)
	}
	return out
}

// MessagesToWire converts normalized messages to the OpenAI dialect.
func MessagesToWire(msgs []types.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := ChatMessage{
			Role:       string(m.Role),
			Content:    encodeContent(m.Content),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, WireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: WireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

// ToolCallsFromWire converts OpenAI-dialect tool calls.
func ToolCallsFromWire(calls []WireToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]types.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// ToolCallsToWire converts normalized tool calls to the OpenAI dialect.
// Stream deltas carry the call's index so clients can stitch argument
// fragments; idx is the position of the first call in the chunk.
func ToolCallsToWire(calls []types.ToolCall, withIndex bool) []WireToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]WireToolCall, 0, len(calls))
	for i, tc := range calls {
		w := WireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: WireFunction{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		}
		if withIndex {
			idx := i
			w.Index = &idx
		}
		out = append(out, w)
	}
	return out
}

// UsageFromWire converts an OpenAI-dialect usage block.
func UsageFromWire(u *WireUsage) *types.Usage {
	if u == nil {
		return nil
	}
	return &types.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// UsageToWire converts a normalized usage block.
func UsageToWire(u *types.Usage) *WireUsage {
	if u == nil {
		return nil
	}
	return &WireUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
