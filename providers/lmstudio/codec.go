// Package lmstudio implements the LM Studio dialect. The local server
// speaks the OpenAI surface under /v1, so the codec is the OpenAI one
// reporting its own kind.
package lmstudio

import (
	"github.com/stacklok/codegate/providers/openai"
	"github.com/stacklok/codegate/types"
)

// Codec is the LM Studio dialect codec.
type Codec struct {
	*openai.Codec
}

// New returns the LM Studio codec.
func New() *Codec { return &Codec{openai.ForKind(types.ProviderLMStudio)} }
