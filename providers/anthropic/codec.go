// Package anthropic implements the Anthropic Messages dialect:
// x-api-key auth, a separate system field, block-structured message
// content and the typed SSE event stream.
package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/types"
)

const (
	apiVersion = "2023-06-01"

	// The Messages API rejects requests without max_tokens.
	defaultMaxTokens = 4096
)

var knownRequestFields = map[string]bool{
	"model": true, "messages": true, "system": true, "max_tokens": true,
	"temperature": true, "top_p": true, "stop_sequences": true, "stream": true,
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []wireBlock
}

type wireBlock struct {
	Type      string          `json:"type"` // text, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result payload
}

type wireRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	StopSeq     []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Role         string      `json:"role"`
	Content      []wireBlock `json:"content"`
	Model        string      `json:"model"`
	StopReason   string      `json:"stop_reason,omitempty"`
	StopSequence string      `json:"stop_sequence,omitempty"`
	Usage        *wireUsage  `json:"usage,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *eventDelta   `json:"delta,omitempty"`
	ContentBlock *wireBlock    `json:"content_block,omitempty"`
	Message      *wireResponse `json:"message,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
}

type eventDelta struct {
	Type        string `json:"type"` // text_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Codec converts between the Anthropic Messages dialect and the
// normalized request shape.
type Codec struct{}

// New returns the Anthropic codec.
func New() *Codec { return &Codec{} }

// Kind implements providers.Normalizer.
func (c *Codec) Kind() types.ProviderKind { return types.ProviderAnthropic }

// DecodeRequest implements providers.Normalizer.
func (c *Codec) DecodeRequest(body []byte, urlPath string) (*types.ChatRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}

	req := &types.ChatRequest{
		Kind:        types.KindChat,
		Model:       wire.Model,
		System:      systemText(wire.System),
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSeq,
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		req.MaxTokens = &mt
	}
	for _, m := range wire.Messages {
		req.Messages = append(req.Messages, decodeMessage(m)...)
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

// decodeMessage expands one wire message into normalized messages.
// tool_result blocks become separate tool-role messages so the
// normalized form matches the OpenAI layout.
func decodeMessage(m wireMessage) []types.Message {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []types.Message{{Role: types.Role(m.Role), Content: text}}
	}

	var blocks []wireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	base := types.Message{Role: types.Role(m.Role)}
	var out []types.Message
	for _, b := range blocks {
		switch b.Type {
		case "text":
			base.Content += b.Text
		case "tool_use":
			base.ToolCalls = append(base.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		case "tool_result":
			out = append(out, types.Message{
				Role:       types.RoleTool,
				Content:    b.Content,
				ToolCallID: b.ToolUseID,
			})
		}
	}
	if base.Content != "" || len(base.ToolCalls) > 0 {
		out = append([]types.Message{base}, out...)
	}
	return out
}

// EncodeRequest implements providers.Normalizer. FIM requests have no
// native form in this dialect; the prompt is sent as a user turn.
func (c *Codec) EncodeRequest(req *types.ChatRequest) ([]byte, error) {
	out := make(map[string]any, len(req.Extra)+8)
	for k, v := range req.Extra {
		out[k] = v
	}
	out["model"] = req.Model

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	out["max_tokens"] = maxTokens

	if req.System != "" {
		out["system"] = req.System
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		out["stop_sequences"] = req.Stop
	}
	if req.Stream {
		out["stream"] = true
	}

	msgs := req.Messages
	if req.Kind == types.KindFIM && len(msgs) == 0 {
		msgs = []types.Message{types.NewUserMessage(req.Prompt)}
	}
	wireMsgs := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wireMsgs = append(wireMsgs, encodeMessage(m))
	}
	out["messages"] = wireMsgs
	return json.Marshal(out)
}

func encodeMessage(m types.Message) wireMessage {
	var blocks []wireBlock
	switch {
	case m.Role == types.RoleTool:
		blocks = append(blocks, wireBlock{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   m.Content,
		})
		return wireMessage{Role: "user", Content: marshalBlocks(blocks)}
	case len(m.ToolCalls) > 0:
		if m.Content != "" {
			blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			input := tc.Arguments
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, wireBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		return wireMessage{Role: string(m.Role), Content: marshalBlocks(blocks)}
	default:
		text, _ := json.Marshal(m.Content)
		return wireMessage{Role: string(m.Role), Content: text}
	}
}

func marshalBlocks(blocks []wireBlock) json.RawMessage {
	b, _ := json.Marshal(blocks)
	return b
}

// DecodeResponse implements providers.Normalizer.
func (c *Codec) DecodeResponse(body []byte) (*types.ChatResponse, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid response body: %v", err).
			WithProvider(string(types.ProviderAnthropic))
	}
	resp := &types.ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		FinishReason: finishFromStopReason(wire.StopReason),
	}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			resp.Content += b.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		}
	}
	if wire.Usage != nil {
		resp.Usage = &types.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp, nil
}

// EncodeResponse implements providers.Normalizer.
func (c *Codec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	wire := wireResponse{
		ID:         idOrNew(resp.ID),
		Type:       "message",
		Role:       string(types.RoleAssistant),
		Model:      resp.Model,
		StopReason: stopReasonFromFinish(resp.FinishReason),
	}
	if resp.Content != "" {
		wire.Content = append(wire.Content, wireBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		wire.Content = append(wire.Content, wireBlock{
			Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input,
		})
	}
	if wire.Content == nil {
		wire.Content = []wireBlock{}
	}
	if resp.Usage != nil {
		wire.Usage = &wireUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(wire)
}

// NewStreamDecoder implements providers.Normalizer.
func (c *Codec) NewStreamDecoder(r io.Reader) providers.StreamDecoder {
	return &streamDecoder{
		sse:   providers.NewSSEReader(r),
		tools: make(map[int]*types.ToolCall),
	}
}

// NewStreamEncoder implements providers.Normalizer.
func (c *Codec) NewStreamEncoder(w io.Writer) providers.StreamEncoder {
	return &streamEncoder{sse: providers.NewSSEWriter(w)}
}

// CompletionPath implements providers.Normalizer. The dialect has one
// endpoint for both kinds.
func (c *Codec) CompletionPath(kind types.RequestKind) string {
	return "/v1/messages"
}

// ApplyAuth implements providers.Normalizer.
func (c *Codec) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("x-api-key", apiKey)
	}
	header.Set("anthropic-version", apiVersion)
	header.Set("Content-Type", "application/json")
}

// streamDecoder replays the typed event stream as normalized chunks.
// Tool-call arguments arrive as JSON fragments spread across
// input_json_delta events; they are accumulated per block index and
// emitted whole on content_block_stop.
type streamDecoder struct {
	sse          *providers.SSEReader
	tools        map[int]*types.ToolCall
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
	pendingFinal bool
	done         bool
}

func (d *streamDecoder) Next() (types.StreamChunk, error) {
	if d.pendingFinal {
		d.pendingFinal = false
		d.done = true
		return d.finalChunk(), nil
	}
	if d.done {
		return types.StreamChunk{}, io.EOF
	}
	for {
		ev, err := d.sse.Next()
		if err == io.EOF {
			// Upstream closed without message_stop; surface what we know.
			if d.stopReason != "" || d.outputTokens > 0 {
				d.done = true
				return d.finalChunk(), nil
			}
			return types.StreamChunk{}, io.EOF
		}
		if err != nil {
			return types.StreamChunk{}, err
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return types.StreamChunk{}, types.NewErrorf(types.ErrUpstream,
				"invalid stream event: %v", err).WithProvider(string(types.ProviderAnthropic))
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				d.id = event.Message.ID
				d.model = event.Message.Model
				if event.Message.Usage != nil {
					d.inputTokens = event.Message.Usage.InputTokens
				}
			}
			return types.StreamChunk{ID: d.id, Model: d.model, Role: types.RoleAssistant}, nil

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				d.tools[event.Index] = &types.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				return types.StreamChunk{
					ID:      d.id,
					Model:   d.model,
					Content: event.Delta.Text,
				}, nil
			case "input_json_delta":
				if tc, ok := d.tools[event.Index]; ok {
					tc.Arguments = append(tc.Arguments, event.Delta.PartialJSON...)
				}
			}

		case "content_block_stop":
			if tc, ok := d.tools[event.Index]; ok {
				delete(d.tools, event.Index)
				if len(tc.Arguments) == 0 {
					tc.Arguments = json.RawMessage("{}")
				}
				return types.StreamChunk{
					ID:        d.id,
					Model:     d.model,
					ToolCalls: []types.ToolCall{*tc},
				}, nil
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				d.stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				d.outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if event.Usage != nil {
				d.outputTokens = event.Usage.OutputTokens
			}
			d.done = true
			return d.finalChunk(), nil
		}
	}
}

func (d *streamDecoder) finalChunk() types.StreamChunk {
	chunk := types.StreamChunk{
		ID:           d.id,
		Model:        d.model,
		FinishReason: finishFromStopReason(d.stopReason),
	}
	if d.inputTokens > 0 || d.outputTokens > 0 {
		chunk.Usage = &types.Usage{
			PromptTokens:     d.inputTokens,
			CompletionTokens: d.outputTokens,
			TotalTokens:      d.inputTokens + d.outputTokens,
		}
	}
	return chunk
}

// streamEncoder replays normalized chunks as the typed event stream.
// Text deltas share content block 0; each tool call gets its own
// block.
type streamEncoder struct {
	sse        *providers.SSEWriter
	started    bool
	blockOpen  bool
	blockIndex int
	usage      *types.Usage
	stopReason string
	closed     bool
}

func (e *streamEncoder) ContentType() string { return "text/event-stream" }

func (e *streamEncoder) Write(chunk types.StreamChunk) error {
	if !e.started {
		e.started = true
		start := streamEvent{
			Type: "message_start",
			Message: &wireResponse{
				ID:      idOrNew(chunk.ID),
				Type:    "message",
				Role:    string(types.RoleAssistant),
				Model:   chunk.Model,
				Content: []wireBlock{},
				Usage:   &wireUsage{},
			},
		}
		if err := e.emit(start); err != nil {
			return err
		}
	}

	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	if chunk.FinishReason != "" {
		e.stopReason = chunk.FinishReason
	}

	if chunk.Content != "" {
		if !e.blockOpen {
			e.blockOpen = true
			if err := e.emit(streamEvent{
				Type:         "content_block_start",
				Index:        e.blockIndex,
				ContentBlock: &wireBlock{Type: "text", Text: ""},
			}); err != nil {
				return err
			}
		}
		if err := e.emit(streamEvent{
			Type:  "content_block_delta",
			Index: e.blockIndex,
			Delta: &eventDelta{Type: "text_delta", Text: chunk.Content},
		}); err != nil {
			return err
		}
	}

	for _, tc := range chunk.ToolCalls {
		if err := e.closeBlock(); err != nil {
			return err
		}
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		if err := e.emit(streamEvent{
			Type:         "content_block_start",
			Index:        e.blockIndex,
			ContentBlock: &wireBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name},
		}); err != nil {
			return err
		}
		if err := e.emit(streamEvent{
			Type:  "content_block_delta",
			Index: e.blockIndex,
			Delta: &eventDelta{Type: "input_json_delta", PartialJSON: string(input)},
		}); err != nil {
			return err
		}
		if err := e.emit(streamEvent{Type: "content_block_stop", Index: e.blockIndex}); err != nil {
			return err
		}
		e.blockIndex++
	}
	return nil
}

func (e *streamEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.closeBlock(); err != nil {
		return err
	}
	delta := streamEvent{
		Type:  "message_delta",
		Delta: &eventDelta{StopReason: stopReasonFromFinish(e.stopReason)},
	}
	if e.usage != nil {
		delta.Usage = &wireUsage{
			InputTokens:  e.usage.PromptTokens,
			OutputTokens: e.usage.CompletionTokens,
		}
	}
	if err := e.emit(delta); err != nil {
		return err
	}
	return e.emit(streamEvent{Type: "message_stop"})
}

func (e *streamEncoder) closeBlock() error {
	if !e.blockOpen {
		return nil
	}
	e.blockOpen = false
	err := e.emit(streamEvent{Type: "content_block_stop", Index: e.blockIndex})
	e.blockIndex++
	return err
}

func (e *streamEncoder) emit(event streamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	return e.sse.WriteEvent(event.Type, payload)
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// finishFromStopReason maps the dialect's stop vocabulary to the
// normalized (OpenAI-shaped) one.
func finishFromStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func stopReasonFromFinish(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

func idOrNew(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + uuid.NewString()
}
