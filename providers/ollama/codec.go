// Package ollama implements the Ollama native dialect: /api/chat and
// /api/generate with newline-delimited JSON streaming. Streaming
// defaults to on when the request does not say otherwise, matching the
// server's behavior.
package ollama

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/types"
)

var knownRequestFields = map[string]bool{
	"model": true, "messages": true, "prompt": true, "suffix": true,
	"system": true, "stream": true,
}

type wireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
	Suffix   string        `json:"suffix,omitempty"`
	System   string        `json:"system,omitempty"`
	Stream   *bool         `json:"stream,omitempty"`
}

// wireResponse is one NDJSON line, shared by /api/chat (message) and
// /api/generate (response).
type wireResponse struct {
	Model           string       `json:"model"`
	CreatedAt       string       `json:"created_at,omitempty"`
	Message         *wireMessage `json:"message,omitempty"`
	Response        string       `json:"response,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Codec converts between the Ollama dialect and the normalized
// request shape.
type Codec struct{}

// New returns the Ollama codec.
func New() *Codec { return &Codec{} }

// Kind implements providers.Normalizer.
func (c *Codec) Kind() types.ProviderKind { return types.ProviderOllama }

// DecodeRequest implements providers.Normalizer. Generate-endpoint
// bodies (prompt, no messages) decode as FIM.
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
		Kind:   types.KindChat,
		Model:  wire.Model,
		System: wire.System,
		Stream: wire.Stream == nil || *wire.Stream,
	}
	if len(wire.Messages) == 0 && wire.Prompt != "" {
		req.Kind = types.KindFIM
		req.Prompt = wire.Prompt
		req.Suffix = wire.Suffix
	}
	for _, m := range wire.Messages {
		if m.Role == string(types.RoleSystem) {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += m.Content
			continue
		}
		nm := types.Message{Role: types.Role(m.Role), Content: m.Content}
		for _, img := range m.Images {
			nm.Images = append(nm.Images, types.ImageContent{Type: "base64", Data: img})
		}
		req.Messages = append(req.Messages, nm)
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
	out := make(map[string]any, len(req.Extra)+6)
	for k, v := range req.Extra {
		out[k] = v
	}
	out["model"] = req.Model
	out["stream"] = req.Stream

	if req.Kind == types.KindFIM && len(req.Messages) == 0 {
		out["prompt"] = req.Prompt
		if req.Suffix != "" {
			out["suffix"] = req.Suffix
		}
		if req.System != "" {
			out["system"] = req.System
		}
		return json.Marshal(out)
	}

	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: string(types.RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			if img.Data != "" {
				wm.Images = append(wm.Images, img.Data)
			}
		}
		msgs = append(msgs, wm)
	}
	out["messages"] = msgs
	return json.Marshal(out)
}

// DecodeResponse implements providers.Normalizer.
func (c *Codec) DecodeResponse(body []byte) (*types.ChatResponse, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid response body: %v", err).
			WithProvider(string(types.ProviderOllama))
	}
	if wire.Error != "" {
		return nil, types.NewError(types.ErrUpstream, wire.Error).
			WithProvider(string(types.ProviderOllama))
	}
	resp := &types.ChatResponse{
		Model:        wire.Model,
		Content:      wire.Response,
		FinishReason: finishFromDone(wire),
	}
	if wire.Message != nil {
		resp.Content = wire.Message.Content
	}
	if wire.PromptEvalCount > 0 || wire.EvalCount > 0 {
		resp.Usage = &types.Usage{
			PromptTokens:     wire.PromptEvalCount,
			CompletionTokens: wire.EvalCount,
			TotalTokens:      wire.PromptEvalCount + wire.EvalCount,
		}
	}
	return resp, nil
}

// EncodeResponse implements providers.Normalizer.
func (c *Codec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	wire := wireResponse{
		Model:      resp.Model,
		CreatedAt:  nowRFC3339(),
		Message:    &wireMessage{Role: string(types.RoleAssistant), Content: resp.Content},
		Done:       true,
		DoneReason: doneFromFinish(resp.FinishReason),
	}
	if resp.Usage != nil {
		wire.PromptEvalCount = resp.Usage.PromptTokens
		wire.EvalCount = resp.Usage.CompletionTokens
	}
	return json.Marshal(wire)
}

// NewStreamDecoder implements providers.Normalizer.
func (c *Codec) NewStreamDecoder(r io.Reader) providers.StreamDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &streamDecoder{scanner: sc}
}

// NewStreamEncoder implements providers.Normalizer.
func (c *Codec) NewStreamEncoder(w io.Writer) providers.StreamEncoder {
	return &streamEncoder{w: w}
}

// CompletionPath implements providers.Normalizer.
func (c *Codec) CompletionPath(kind types.RequestKind) string {
	if kind == types.KindFIM {
		return "/api/generate"
	}
	return "/api/chat"
}

// ApplyAuth implements providers.Normalizer. Local servers run
// unauthenticated; a configured key is forwarded as a bearer token for
// deployments behind a reverse proxy.
func (c *Codec) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	header.Set("Content-Type", "application/json")
}

type streamDecoder struct {
	scanner *bufio.Scanner
	done    bool
}

func (d *streamDecoder) Next() (types.StreamChunk, error) {
	if d.done {
		return types.StreamChunk{}, io.EOF
	}
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wire wireResponse
		if err := json.Unmarshal(line, &wire); err != nil {
			return types.StreamChunk{}, types.NewErrorf(types.ErrUpstream,
				"invalid stream line: %v", err).WithProvider(string(types.ProviderOllama))
		}
		if wire.Error != "" {
			return types.StreamChunk{}, types.NewError(types.ErrUpstream, wire.Error).
				WithProvider(string(types.ProviderOllama))
		}
		chunk := types.StreamChunk{Model: wire.Model, Content: wire.Response}
		if wire.Message != nil {
			chunk.Role = types.Role(wire.Message.Role)
			chunk.Content = wire.Message.Content
		}
		if wire.Done {
			d.done = true
			chunk.FinishReason = finishFromDone(wire)
			if wire.PromptEvalCount > 0 || wire.EvalCount > 0 {
				chunk.Usage = &types.Usage{
					PromptTokens:     wire.PromptEvalCount,
					CompletionTokens: wire.EvalCount,
					TotalTokens:      wire.PromptEvalCount + wire.EvalCount,
				}
			}
		}
		return chunk, nil
	}
	if err := d.scanner.Err(); err != nil {
		return types.StreamChunk{}, err
	}
	return types.StreamChunk{}, io.EOF
}

type streamEncoder struct {
	w      io.Writer
	model  string
	closed bool
	// carried to the final line
	finish string
	usage  *types.Usage
}

func (e *streamEncoder) ContentType() string { return "application/x-ndjson" }

func (e *streamEncoder) Write(chunk types.StreamChunk) error {
	if chunk.Model != "" {
		e.model = chunk.Model
	}
	if chunk.FinishReason != "" {
		e.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	if chunk.Content == "" {
		return nil
	}
	wire := wireResponse{
		Model:     e.model,
		CreatedAt: nowRFC3339(),
		Message:   &wireMessage{Role: string(types.RoleAssistant), Content: chunk.Content},
		Done:      false,
	}
	return e.writeLine(wire)
}

func (e *streamEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	final := wireResponse{
		Model:      e.model,
		CreatedAt:  nowRFC3339(),
		Message:    &wireMessage{Role: string(types.RoleAssistant), Content: ""},
		Done:       true,
		DoneReason: doneFromFinish(e.finish),
	}
	if e.usage != nil {
		final.PromptEvalCount = e.usage.PromptTokens
		final.EvalCount = e.usage.CompletionTokens
	}
	return e.writeLine(final)
}

func (e *streamEncoder) writeLine(wire wireResponse) error {
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode stream line: %w", err)
	}
	if _, err := e.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func finishFromDone(wire wireResponse) string {
	if !wire.Done {
		return ""
	}
	switch wire.DoneReason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return wire.DoneReason
	}
}

func doneFromFinish(finish string) string {
	switch finish {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return finish
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
