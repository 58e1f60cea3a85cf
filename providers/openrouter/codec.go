// Package openrouter implements the OpenRouter dialect: the OpenAI
// surface under /api/v1 with attribution headers on upstream calls.
package openrouter

import (
	"net/http"

	"github.com/stacklok/codegate/providers/openai"
	"github.com/stacklok/codegate/types"
)

// Codec is the OpenRouter dialect codec.
type Codec struct {
	*openai.Codec
}

// New returns the OpenRouter codec.
func New() *Codec { return &Codec{openai.ForKind(types.ProviderOpenRouter)} }

// ApplyAuth adds the attribution headers OpenRouter uses for app
// rankings alongside the bearer token.
func (c *Codec) ApplyAuth(header http.Header, apiKey string) {
	c.Codec.ApplyAuth(header, apiKey)
	if header.Get("HTTP-Referer") == "" {
		header.Set("HTTP-Referer", "https://github.com/stacklok/codegate")
	}
	if header.Get("X-Title") == "" {
		header.Set("X-Title", "CodeGate")
	}
}
