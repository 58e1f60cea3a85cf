package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// NotifierStep prepends a one-shot notice to the response stream when the
// request had secrets or PII redacted, so the user learns what was protected
// without the upstream ever seeing it. The notice rides in front of the
// first content chunk; streams with no redactions pass through untouched.
type NotifierStep struct {
	dashboardURL string
	emitted      bool
}

// NewNotifier creates the notice injector for one response stream.
// dashboardURL points the notice's link at the local dashboard.
func NewNotifier(dashboardURL string) *NotifierStep {
	return &NotifierStep{dashboardURL: strings.TrimSuffix(dashboardURL, "/")}
}

// Name implements OutputStep.
func (s *NotifierStep) Name() string { return "redaction-notifier" }

// ProcessChunk implements OutputStep.
func (s *NotifierStep) ProcessChunk(_ context.Context, chunk types.StreamChunk, _ *OutputContext, ictx *Context) ([]types.StreamChunk, error) {
	if s.emitted || !chunk.HasContent() {
		return []types.StreamChunk{chunk}, nil
	}
	s.emitted = true

	notice := s.noticeText(ictx)
	if notice == "" {
		return []types.StreamChunk{chunk}, nil
	}

	// Cline renders free-standing prose as a tool-protocol violation, so
	// wrap the notice the way its own reasoning output is wrapped.
	if ictx.Client == types.ClientCline {
		notice = "<thinking>" + notice + "</thinking>\n"
	}

	head := types.StreamChunk{
		ID:      chunk.ID,
		Model:   chunk.Model,
		Created: chunk.Created,
		Role:    types.RoleAssistant,
		Content: notice,
	}
	return []types.StreamChunk{head, chunk}, nil
}

// Flush implements Flusher: when the stream produced no content at all, the
// notice still has to reach the client.
func (s *NotifierStep) Flush(_ context.Context, _ *OutputContext, ictx *Context) []types.StreamChunk {
	if s.emitted {
		return nil
	}
	s.emitted = true

	notice := s.noticeText(ictx)
	if notice == "" {
		return nil
	}
	if ictx.Client == types.ClientCline {
		notice = "<thinking>" + notice + "</thinking>\n"
	}
	return []types.StreamChunk{{Role: types.RoleAssistant, Content: notice}}
}

func (s *NotifierStep) noticeText(ictx *Context) string {
	var b strings.Builder

	if n := ictx.Redactions(session.OriginSecret); n > 0 {
		word := "secrets"
		if n == 1 {
			word = "secret"
		}
		fmt.Fprintf(&b, "\n🛡️ [CodeGate prevented %d %s](%s/?view=codegate-secrets) from being leaked by redacting them.\n\n",
			n, word, s.dashboardURL)
	}

	if n := ictx.Redactions(session.OriginPII); n > 0 {
		fmt.Fprintf(&b, "\n🛡️ [CodeGate protected %d instances of PII, including %s](%s/?view=codegate-pii) from being leaked by redacting them.\n\n",
			n, summarizeSubtypes(ictx.RedactionSubtypes(session.OriginPII)), s.dashboardURL)
	}

	return b.String()
}

// summarizeSubtypes renders per-type counts as "2 emails, 1 phone number".
func summarizeSubtypes(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		n := counts[name]
		readable := strings.ReplaceAll(strings.ToLower(name), "_", " ")
		if n > 1 {
			if strings.HasSuffix(readable, "s") {
				readable += "es"
			} else {
				readable += "s"
			}
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, readable))
	}
	return strings.Join(parts, ", ")
}
