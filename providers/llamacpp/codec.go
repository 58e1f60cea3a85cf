// Package llamacpp implements the llama.cpp server dialect. Modern
// llama-server exposes the OpenAI surface under /v1, which this codec
// reuses for upstream traffic; the legacy native /completion endpoint
// (prompt, n_predict, typed SSE without choices) is still accepted
// inbound and served back to clients that called it.
package llamacpp

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/providers/openai"
	"github.com/stacklok/codegate/types"
)

type nativeRequest struct {
	Prompt      string          `json:"prompt"`
	NPredict    *int            `json:"n_predict,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// nativeEvent is one native SSE payload: a content fragment, then a
// final event with stop=true carrying the token counts.
type nativeEvent struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StopType        string `json:"stop_type,omitempty"`
	Model           string `json:"model,omitempty"`
	TokensPredicted int    `json:"tokens_predicted,omitempty"`
	TokensEvaluated int    `json:"tokens_evaluated,omitempty"`
}

var nativeKnownFields = map[string]bool{
	"prompt": true, "n_predict": true, "temperature": true,
	"top_p": true, "stop": true, "stream": true,
}

// Codec converts between the llama.cpp dialect and the normalized
// request shape.
type Codec struct {
	openai *openai.Codec
}

// New returns the llama.cpp codec.
func New() *Codec {
	return &Codec{openai: openai.ForKind(types.ProviderLlamaCpp)}
}

// Kind implements providers.Normalizer.
func (c *Codec) Kind() types.ProviderKind { return types.ProviderLlamaCpp }

// DecodeRequest implements providers.Normalizer. Bodies posted to the
// native /completion endpoint decode as FIM with n_predict mapped to
// the token budget; everything else is the OpenAI surface.
func (c *Codec) DecodeRequest(body []byte, urlPath string) (*types.ChatRequest, error) {
	if !isNativePath(urlPath) {
		return c.openai.DecodeRequest(body, urlPath)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}
	var wire nativeRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}
	req := &types.ChatRequest{
		Kind:        types.KindFIM,
		Prompt:      wire.Prompt,
		MaxTokens:   wire.NPredict,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        providers.StopList(wire.Stop),
		Stream:      wire.Stream,
	}
	for k, v := range raw {
		if nativeKnownFields[k] {
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
	return c.openai.EncodeRequest(req)
}

// DecodeResponse implements providers.Normalizer.
func (c *Codec) DecodeResponse(body []byte) (*types.ChatResponse, error) {
	if !isNativeBody(body) {
		return c.openai.DecodeResponse(body)
	}
	var wire nativeEvent
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "invalid response body: %v", err).
			WithProvider(string(types.ProviderLlamaCpp))
	}
	resp := &types.ChatResponse{
		Model:        wire.Model,
		Content:      wire.Content,
		FinishReason: "stop",
	}
	if wire.TokensEvaluated > 0 || wire.TokensPredicted > 0 {
		resp.Usage = &types.Usage{
			PromptTokens:     wire.TokensEvaluated,
			CompletionTokens: wire.TokensPredicted,
			TotalTokens:      wire.TokensEvaluated + wire.TokensPredicted,
		}
	}
	return resp, nil
}

// EncodeResponse implements providers.Normalizer.
func (c *Codec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	return c.openai.EncodeResponse(resp)
}

// NewStreamDecoder implements providers.Normalizer. The decoder sniffs
// each event: envelopes with choices are the OpenAI shape, bare
// content/stop objects are native.
func (c *Codec) NewStreamDecoder(r io.Reader) providers.StreamDecoder {
	return &streamDecoder{sse: providers.NewSSEReader(r), openaiCodec: c.openai}
}

// NewStreamEncoder implements providers.Normalizer.
func (c *Codec) NewStreamEncoder(w io.Writer) providers.StreamEncoder {
	return c.openai.NewStreamEncoder(w)
}

// CompletionPath implements providers.Normalizer. Upstream traffic uses
// the OpenAI surface under /v1; the root-level /completion(s) endpoints
// are the native dialect and only accepted inbound.
func (c *Codec) CompletionPath(kind types.RequestKind) string {
	if kind == types.KindFIM {
		return "/v1/completions"
	}
	return "/v1/chat/completions"
}

// ApplyAuth implements providers.Normalizer.
func (c *Codec) ApplyAuth(header http.Header, apiKey string) {
	c.openai.ApplyAuth(header, apiKey)
}

// Native returns a normalizer whose response side speaks the legacy
// /completion event shape. The gateway uses it to answer clients that
// posted to the native endpoint; the request side is shared with the
// main codec.
func Native() providers.Normalizer { return &nativeCodec{Codec: New()} }

type nativeCodec struct {
	*Codec
}

func (n *nativeCodec) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	wire := nativeEvent{
		Content:  resp.Content,
		Stop:     true,
		StopType: "eos",
		Model:    resp.Model,
	}
	if resp.Usage != nil {
		wire.TokensEvaluated = resp.Usage.PromptTokens
		wire.TokensPredicted = resp.Usage.CompletionTokens
	}
	return json.Marshal(wire)
}

func (n *nativeCodec) NewStreamEncoder(w io.Writer) providers.StreamEncoder {
	return &nativeStreamEncoder{sse: providers.NewSSEWriter(w)}
}

type streamDecoder struct {
	sse         *providers.SSEReader
	openaiCodec *openai.Codec
	done        bool
}

func (d *streamDecoder) Next() (types.StreamChunk, error) {
	if d.done {
		return types.StreamChunk{}, io.EOF
	}
	for {
		ev, err := d.sse.Next()
		if err != nil {
			return types.StreamChunk{}, err
		}
		if ev.Data == "[DONE]" {
			return types.StreamChunk{}, io.EOF
		}
		if strings.Contains(ev.Data, "\"choices\"") {
			var wire providers.ChatCompletionResponse
			if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
				return types.StreamChunk{}, types.NewErrorf(types.ErrUpstream,
					"invalid stream event: %v", err).WithProvider(string(types.ProviderLlamaCpp))
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
				} else {
					chunk.Content = choice.Text
				}
			}
			return chunk, nil
		}

		var wire nativeEvent
		if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
			return types.StreamChunk{}, types.NewErrorf(types.ErrUpstream,
				"invalid stream event: %v", err).WithProvider(string(types.ProviderLlamaCpp))
		}
		chunk := types.StreamChunk{Model: wire.Model, Content: wire.Content}
		if wire.Stop {
			d.done = true
			chunk.FinishReason = "stop"
			if wire.TokensEvaluated > 0 || wire.TokensPredicted > 0 {
				chunk.Usage = &types.Usage{
					PromptTokens:     wire.TokensEvaluated,
					CompletionTokens: wire.TokensPredicted,
					TotalTokens:      wire.TokensEvaluated + wire.TokensPredicted,
				}
			}
		}
		return chunk, nil
	}
}

type nativeStreamEncoder struct {
	sse    *providers.SSEWriter
	usage  *types.Usage
	closed bool
}

func (e *nativeStreamEncoder) ContentType() string { return "text/event-stream" }

func (e *nativeStreamEncoder) Write(chunk types.StreamChunk) error {
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	if chunk.Content == "" {
		return nil
	}
	payload, err := json.Marshal(nativeEvent{Content: chunk.Content})
	if err != nil {
		return err
	}
	return e.sse.WriteData(payload)
}

func (e *nativeStreamEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	final := nativeEvent{Stop: true, StopType: "eos"}
	if e.usage != nil {
		final.TokensEvaluated = e.usage.PromptTokens
		final.TokensPredicted = e.usage.CompletionTokens
	}
	payload, err := json.Marshal(final)
	if err != nil {
		return err
	}
	return e.sse.WriteData(payload)
}

func isNativePath(urlPath string) bool {
	return strings.HasSuffix(urlPath, "/completion")
}

func isNativeBody(body []byte) bool {
	var probe struct {
		Choices json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return len(probe.Choices) == 0
}
