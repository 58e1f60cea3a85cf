// Package copilot implements the GitHub Copilot dialect. Copilot's
// completion and chat upstreams speak OpenAI wire forms; traffic
// normally arrives through the TLS interceptor with the client's own
// GitHub token already attached, so ApplyAuth leaves an existing
// Authorization header alone.
package copilot

import (
	"net/http"

	"github.com/stacklok/codegate/providers/openai"
	"github.com/stacklok/codegate/types"
)

// Codec is the Copilot dialect codec.
type Codec struct {
	*openai.Codec
}

// New returns the Copilot codec.
func New() *Codec { return &Codec{openai.ForKind(types.ProviderCopilot)} }

// CompletionPath routes both kinds under /v1, the copilot-proxy
// layout.
func (c *Codec) CompletionPath(kind types.RequestKind) string {
	if kind == types.KindFIM {
		return "/v1/completions"
	}
	return "/chat/completions"
}

// ApplyAuth implements providers.Normalizer.
func (c *Codec) ApplyAuth(header http.Header, apiKey string) {
	if header.Get("Authorization") != "" {
		header.Set("Content-Type", "application/json")
		return
	}
	c.Codec.ApplyAuth(header, apiKey)
}
