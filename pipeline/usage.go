package pipeline

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/types"
)

// usageEncoding is the tokenizer used when the upstream omits usage. Exact
// per-model accounting is the provider's job; local counts only need to be
// stable and roughly right for the audit trail.
const usageEncoding = "cl100k_base"

var (
	usageEncOnce sync.Once
	usageEnc     *tiktoken.Tiktoken
	usageEncErr  error
)

func usageEncoder() (*tiktoken.Tiktoken, error) {
	usageEncOnce.Do(func() {
		usageEnc, usageEncErr = tiktoken.GetEncoding(usageEncoding)
	})
	return usageEnc, usageEncErr
}

// CountTokens returns the token count of text under the local encoding,
// falling back to a bytes/4 estimate when the encoding is unavailable.
func CountTokens(text string) int {
	enc, err := usageEncoder()
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// UsageStep records token accounting for the stream. When the upstream
// reports usage in its final chunk that wins; otherwise the step counts the
// delivered text locally at end of stream.
type UsageStep struct {
	promptText string
	logger     *zap.Logger
	reported   bool
}

// NewUsage creates the accounting step for one stream. promptText is the
// request text as sent upstream, used for the local prompt-side count.
func NewUsage(promptText string, logger *zap.Logger) *UsageStep {
	return &UsageStep{
		promptText: promptText,
		logger:     logger.With(zap.String("component", "usage")),
	}
}

// Name implements OutputStep.
func (s *UsageStep) Name() string { return "usage-accounting" }

// ProcessChunk implements OutputStep.
func (s *UsageStep) ProcessChunk(_ context.Context, chunk types.StreamChunk, octx *OutputContext, _ *Context) ([]types.StreamChunk, error) {
	if chunk.Usage != nil {
		octx.Usage = *chunk.Usage
		s.reported = true
	}
	return []types.StreamChunk{chunk}, nil
}

// Flush implements Flusher: fill in local counts when the upstream stayed
// silent.
func (s *UsageStep) Flush(_ context.Context, octx *OutputContext, ictx *Context) []types.StreamChunk {
	if s.reported {
		return nil
	}

	octx.Usage = types.Usage{
		PromptTokens:     CountTokens(s.promptText),
		CompletionTokens: CountTokens(octx.Content()),
	}
	octx.Usage.TotalTokens = octx.Usage.PromptTokens + octx.Usage.CompletionTokens

	s.logger.Debug("usage computed locally",
		zap.String("prompt_id", ictx.ID),
		zap.Int("prompt_tokens", octx.Usage.PromptTokens),
		zap.Int("completion_tokens", octx.Usage.CompletionTokens),
	)
	return nil
}

// PromptText flattens the request's text for prompt-side token accounting.
func PromptText(req *types.ChatRequest) string {
	var parts []string
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for _, m := range req.Messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	if req.Prompt != "" {
		parts = append(parts, req.Prompt)
	}
	if req.Suffix != "" {
		parts = append(parts, req.Suffix)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
