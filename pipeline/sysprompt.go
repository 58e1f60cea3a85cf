package pipeline

import (
	"context"
	"strings"

	"github.com/stacklok/codegate/config"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// SystemPromptStep assembles the gateway's system prompt and installs it on
// the request: the client-specific base prompt, the workspace's custom
// instructions, and — when earlier steps redacted anything — the preambles
// that teach the model to leave placeholders intact.
//
// Runs last in the request chain so the redaction counts are final.
type SystemPromptStep struct {
	prompts *config.Prompts
}

// NewSystemPrompt creates the system prompt step.
func NewSystemPrompt(prompts *config.Prompts) *SystemPromptStep {
	return &SystemPromptStep{prompts: prompts}
}

// Name implements Step.
func (s *SystemPromptStep) Name() string { return "system-prompt" }

// Process implements Step.
func (s *SystemPromptStep) Process(_ context.Context, req *types.ChatRequest, ictx *Context) (*Outcome, error) {
	parts := []string{s.prompts.ForClient(ictx.Client.String())}

	if custom := strings.TrimSpace(ictx.Workspace.CustomInstructions); custom != "" {
		parts = append(parts, custom)
	}
	if ictx.Redactions(session.OriginSecret) > 0 {
		parts = append(parts, s.prompts.Get("secrets_redacted"))
	}
	if ictx.Redactions(session.OriginPII) > 0 {
		parts = append(parts, s.prompts.Get("pii_redacted"))
	}

	ours := strings.TrimSpace(strings.Join(compactNonEmpty(parts), "\n\n"))
	if ours == "" {
		return Continue(req), nil
	}

	switch {
	case req.System == "":
		req.System = ours
	case strings.Contains(strings.ToLower(req.System), "codegate"):
		// Already carries our prompt (retried or replayed request).
	default:
		req.System = ours + "\n Here are additional instructions. \n " + req.System
	}

	return Continue(req), nil
}

func compactNonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
