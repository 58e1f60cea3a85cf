// Package openai implements the OpenAI Chat Completions dialect, the
// wire form most local inference servers also speak. The vllm,
// openrouter, lm_studio and copilot dialects embed this codec and
// override only what differs.
package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/types"
)

// Request fields the normalized form models. Everything else rides
// along in Extra and is re-emitted verbatim on encode.
var knownRequestFields = map[string]bool{
	"model": true, "messages": true, "prompt": true, "suffix": true,
	"max_tokens": true, "temperature": true, "top_p": true,
	"stop": true, "stream": true,
}

// Codec converts between the OpenAI wire dialect and the normalized
// request shape. The zero value is not usable; construct with New.
type Codec struct {
	kind types.ProviderKind
}

// New returns the OpenAI codec.
func New() *Codec { return &Codec{kind: types.ProviderOpenAI} }

// ForKind returns the OpenAI codec reporting a different provider kind.
// Dialects that only differ from OpenAI in base URL and defaults reuse
// the codec this way.
func ForKind(kind types.ProviderKind) *Codec { return &Codec{kind: kind} }

// Kind implements providers.Normalizer.
func (c *Codec) Kind() types.ProviderKind { return c.kind }

// DecodeRequest implements providers.Normalizer. Legacy /completions
// bodies (prompt, no messages) decode as FIM; chat bodies carrying the
// FIM prompt template are reclassified by the caller via
// providers.IsFIMRequest.
func (c *Codec) DecodeRequest(body []byte, urlPath string) (*types.ChatRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}
	var wire providers.ChatCompletionRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}

	req := &types.ChatRequest{
		Kind:        types.KindChat,
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		MaxTokens:   wire.MaxTokens,
	}
	if len(wire.Stop) > 0 {
		req.Stop = stopFromRaw(wire.Stop)
	}

	if len(wire.Messages) == 0 && len(wire.Prompt) > 0 {
		req.Kind = types.KindFIM
		req.Prompt = providers.PromptText(wire.Prompt)
		req.Suffix = wire.Suffix
	} else {
		msgs := providers.MessagesFromWire(wire.Messages)
		// Leading system messages become the System field so the
		// injection step has one place to prepend instructions.
		for len(msgs) > 0 && msgs[0].Role == types.RoleSystem {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += msgs[0].Content
			msgs = msgs[1:]
		}
		req.Messages = msgs
	}

	for k, v := range raw {
		if knownRequestFields[k] {
			continue
		}
		if req.Extra == nil {
			req.Extra = make(map[string]json.RawMessage)
		}
		req.Extra[k] = v
	}
	return req, nil
}

// EncodeRequest implements providers.Normalizer.
func (c *Codec) EncodeRequest(req *types.ChatRequest) ([]byte, error) {
	out := make(map[string]any, len(req.Extra)+8)
	for k, v := range req.Extra {
		out[k] = v
	}
	out["model"] = req.Model
	if req.Kind == types.KindFIM && len(req.Messages) == 0 {
		out["prompt"] = req.Prompt
		if req.Suffix != "" {
			out["suffix"] = req.Suffix
		}
	} else {
		msgs := providers.MessagesToWire(req.Messages)
		if req.System != "" {
			sys := providers.MessagesToWire([]types.Message{types.NewSystemMessage(req.System)})
			msgs = append(sys, msgs...)
		}
		out["messages"] = msgs
	}
	if req.MaxTokens != nil {
		out["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		out["stop"] = req.Stop
	}
	if req.Stream {
		out["stream"] = true
	}
	return json.Marshal(out)
}

// DecodeResponse implements providers.Normalizer.
func (c *Codec) DecodeResponse(body []byte) (*types.ChatResponse, error) {
	var wire providers.ChatCompletionResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid response body: %v", err).
			WithProvider(string(c.kind))
	}
	resp := &types.ChatResponse{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Usage:   providers.UsageFromWire(wire.Usage),
	}
	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		resp.FinishReason = choice.FinishReason
		if choice.Message != nil {
			resp.Content = providers.ContentText(choice.Message.Content)
			resp.ToolCalls = providers.ToolCallsFromWire(choice.Message.ToolCalls)
		} else {
			resp.Content = choice.Text // legacy /completions
		}
	}
	return resp, nil
}

// EncodeResponse implements providers.Normalizer.
func (c *Codec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	msg := providers.ChatMessage{Role: string(types.RoleAssistant)}
	if resp.Content != "" {
		b, _ := json.Marshal(resp.Content)
		msg.Content = b
	}
	msg.ToolCalls = providers.ToolCallsToWire(resp.ToolCalls, false)

	wire := providers.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: createdOrNow(resp.Created),
		Model:   resp.Model,
		Choices: []providers.ChatCompletionChoice{{
			Index:        0,
			FinishReason: resp.FinishReason,
			Message:      &msg,
		}},
		Usage: providers.UsageToWire(resp.Usage),
	}
	return json.Marshal(wire)
}

// NewStreamDecoder implements providers.Normalizer.
func (c *Codec) NewStreamDecoder(r io.Reader) providers.StreamDecoder {
	return &streamDecoder{sse: providers.NewSSEReader(r), kind: c.kind}
}

// NewStreamEncoder implements providers.Normalizer.
func (c *Codec) NewStreamEncoder(w io.Writer) providers.StreamEncoder {
	return &streamEncoder{sse: providers.NewSSEWriter(w)}
}

// CompletionPath implements providers.Normalizer.
func (c *Codec) CompletionPath(kind types.RequestKind) string {
	if kind == types.KindFIM {
		return "/completions"
	}
	return "/chat/completions"
}

// ApplyAuth implements providers.Normalizer.
func (c *Codec) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	header.Set("Content-Type", "application/json")
}

type streamDecoder struct {
	sse  *providers.SSEReader
	kind types.ProviderKind
}

func (d *streamDecoder) Next() (types.StreamChunk, error) {
	for {
		ev, err := d.sse.Next()
		if err != nil {
			return types.StreamChunk{}, err
		}
		if ev.Data == "[DONE]" {
			return types.StreamChunk{}, io.EOF
		}
		var wire providers.ChatCompletionResponse
		if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
			return types.StreamChunk{}, types.NewErrorf(types.ErrUpstream,
				"invalid stream event: %v", err).WithProvider(string(d.kind))
		}
		chunk := types.StreamChunk{
			ID:      wire.ID,
			Model:   wire.Model,
			Created: wire.Created,
			Usage:   providers.UsageFromWire(wire.Usage),
		}
		if len(wire.Choices) > 0 {
			choice := wire.Choices[0]
			chunk.FinishReason = choice.FinishReason
			if choice.Delta != nil {
				chunk.Role = types.Role(choice.Delta.Role)
				chunk.Content = providers.ContentText(choice.Delta.Content)
				chunk.ToolCalls = providers.ToolCallsFromWire(choice.Delta.ToolCalls)
			} else {
				chunk.Content = choice.Text // legacy /completions
			}
		}
		// Usage-only trailers with no choices still matter for accounting.
		if len(wire.Choices) == 0 && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

type streamEncoder struct {
	sse *providers.SSEWriter
}

func (e *streamEncoder) ContentType() string { return "text/event-stream" }

func (e *streamEncoder) Write(chunk types.StreamChunk) error {
	delta := providers.ChatMessage{
		Role:      string(chunk.Role),
		Content:   rawString(chunk.Content),
		ToolCalls: providers.ToolCallsToWire(chunk.ToolCalls, true),
	}
	wire := providers.ChatCompletionResponse{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: createdOrNow(chunk.Created),
		Model:   chunk.Model,
		Choices: []providers.ChatCompletionChoice{{
			Index:        0,
			FinishReason: chunk.FinishReason,
			Delta:        &delta,
		}},
		Usage: providers.UsageToWire(chunk.Usage),
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode stream chunk: %w", err)
	}
	return e.sse.WriteData(payload)
}

func (e *streamEncoder) Close() error { return e.sse.WriteDone() }

func rawString(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	b, _ := json.Marshal(s)
	return b
}

func stopFromRaw(raw json.RawMessage) []string {
	return providers.StopList(raw)
}

func createdOrNow(created int64) int64 {
	if created != 0 {
		return created
	}
	return time.Now().Unix()
}
