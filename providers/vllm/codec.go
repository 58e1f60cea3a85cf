// Package vllm implements the vLLM dialect. vLLM serves the OpenAI
// surface under /v1 verbatim, so the codec is the OpenAI one reporting
// its own kind; the destination URL logic appends /v1 to the stored
// endpoint.
package vllm

import (
	"github.com/stacklok/codegate/providers/openai"
	"github.com/stacklok/codegate/types"
)

// Codec is the vLLM dialect codec.
type Codec struct {
	*openai.Codec
}

// New returns the vLLM codec.
func New() *Codec { return &Codec{openai.ForKind(types.ProviderVLLM)} }
