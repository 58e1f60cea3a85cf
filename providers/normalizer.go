// Package providers adapts provider wire dialects to and from the
// normalized request shape the pipeline operates on. Each supported
// dialect (openai, anthropic, ollama, llamacpp, vllm, openrouter,
// lm_studio, copilot) implements Normalizer in its own subpackage;
// this package holds the shared capability interface, the OpenAI
// wire vocabulary most dialects reuse, SSE plumbing and upstream
// error mapping.
//
// Dispatch by kind lives in providers/registry, which imports all
// subpackages and would create an import cycle if it lived here.
package providers

import (
	"io"
	"net/http"

	"github.com/stacklok/codegate/types"
)

// Normalizer is the full-duplex codec for one provider dialect. The
// gateway decodes a client request with the dialect the client speaks
// and encodes the upstream request with the dialect the destination
// endpoint speaks; with muxing the two differ.
type Normalizer interface {
	// Kind names the dialect.
	Kind() types.ProviderKind

	// DecodeRequest parses a request body in this dialect into the
	// normalized form. urlPath is the request path relative to the
	// provider prefix; it disambiguates chat from completion-style
	// endpoints for dialects that split them.
	DecodeRequest(body []byte, urlPath string) (*types.ChatRequest, error)

	// EncodeRequest serializes a normalized request into this dialect's
	// wire form.
	EncodeRequest(req *types.ChatRequest) ([]byte, error)

	// DecodeResponse parses a non-streaming response body.
	DecodeResponse(body []byte) (*types.ChatResponse, error)

	// EncodeResponse serializes a normalized response for the client.
	EncodeResponse(resp *types.ChatResponse) ([]byte, error)

	// NewStreamDecoder reads this dialect's streaming format.
	NewStreamDecoder(r io.Reader) StreamDecoder

	// NewStreamEncoder writes this dialect's streaming format.
	NewStreamEncoder(w io.Writer) StreamEncoder

	// CompletionPath is the endpoint path for the given request kind,
	// relative to the destination base URL.
	CompletionPath(kind types.RequestKind) string

	// ApplyAuth sets the dialect's auth headers for the upstream call.
	ApplyAuth(header http.Header, apiKey string)
}

// StreamDecoder turns a provider byte stream into normalized chunks.
// Next returns io.EOF after the final chunk; any other error means the
// stream broke mid-flight.
type StreamDecoder interface {
	Next() (types.StreamChunk, error)
}

// StreamEncoder writes normalized chunks in a provider's streaming
// format. Close emits the dialect's terminator (the OpenAI [DONE]
// sentinel, Anthropic's message_stop, Ollama's done:true line).
type StreamEncoder interface {
	ContentType() string
	Write(chunk types.StreamChunk) error
	Close() error
}
