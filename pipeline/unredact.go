package pipeline

import (
	"context"
	"strings"

	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// UnredactStep restores redacted literals in the response stream. It scans
// every text delta for placeholders present in the session map and rewrites
// them back to the original bytes.
//
// Placeholders can be split across chunk boundaries, so the step holds back
// the longest tail that could still grow into a placeholder (at most
// session.MaxPlaceholderLen-1 bytes) and releases it as soon as the next
// chunk disambiguates.
type UnredactStep struct {
	pending string
}

// NewUnredact creates the stream rewriter for one response.
func NewUnredact() *UnredactStep {
	return &UnredactStep{}
}

// Name implements OutputStep.
func (s *UnredactStep) Name() string { return "unredaction" }

// ProcessChunk implements OutputStep.
func (s *UnredactStep) ProcessChunk(ctx context.Context, chunk types.StreamChunk, _ *OutputContext, ictx *Context) ([]types.StreamChunk, error) {
	if !chunk.HasContent() && chunk.FinishReason == "" {
		return []types.StreamChunk{chunk}, nil
	}

	text := s.pending + chunk.Content
	s.pending = ""

	hold := 0
	if chunk.FinishReason == "" {
		// Mid-stream: keep back any suffix that may be a placeholder prefix.
		hold = holdbackLen(text)
	}
	emit := text[:len(text)-hold]
	s.pending = text[len(text)-hold:]

	if emit == "" && chunk.FinishReason == "" {
		// Whole chunk held back. Keep the envelope if it carries anything
		// besides text.
		if chunk.Role == "" && len(chunk.ToolCalls) == 0 && chunk.Usage == nil {
			return nil, nil
		}
		out := chunk
		out.Content = ""
		return []types.StreamChunk{out}, nil
	}

	restored, _ := ictx.Sensitive.Restore(ctx, ictx.SessionID, emit)
	out := chunk
	out.Content = restored
	return []types.StreamChunk{out}, nil
}

// Flush implements Flusher: release whatever tail is still held at end of
// stream, restoring any complete placeholders inside it.
func (s *UnredactStep) Flush(ctx context.Context, _ *OutputContext, ictx *Context) []types.StreamChunk {
	if s.pending == "" {
		return nil
	}
	text := s.pending
	s.pending = ""
	restored, _ := ictx.Sensitive.Restore(ctx, ictx.SessionID, text)
	return []types.StreamChunk{{Content: restored}}
}

// holdbackLen returns the length of the longest suffix of text that could
// still be the beginning of a placeholder.
func holdbackLen(text string) int {
	max := session.MaxPlaceholderLen - 1
	if len(text) < max {
		max = len(text)
	}
	for l := max; l > 0; l-- {
		if couldBePlaceholderPrefix(text[len(text)-l:]) {
			return l
		}
	}
	return 0
}

// couldBePlaceholderPrefix reports whether s is a strict prefix of either
// placeholder surface form: REDACTED_<uuid> or <uuid>.
func couldBePlaceholderPrefix(s string) bool {
	if s == "" {
		return false
	}

	// Secret form: REDACTED_ + canonical UUID.
	if len(s) <= len(session.SecretPrefix) {
		if strings.HasPrefix(session.SecretPrefix, s) {
			return true
		}
	} else if strings.HasPrefix(s, session.SecretPrefix) {
		rest := s[len(session.SecretPrefix):]
		if len(rest) < 36 && isUUIDPrefix(rest) {
			return true
		}
	}

	// PII form: <uuid>. A complete token ends with '>', so anything still
	// matching here is incomplete.
	if s[0] == '<' {
		rest := s[1:]
		if len(rest) <= 36 && isUUIDPrefix(rest) {
			return true
		}
	}

	return false
}

func isUUIDPrefix(s string) bool {
	if len(s) > 36 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch i {
		case 8, 13, 18, 23:
			if s[i] != '-' {
				return false
			}
		default:
			if !isHexByte(s[i]) {
				return false
			}
		}
	}
	return true
}

func isHexByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}
