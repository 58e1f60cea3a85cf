package secrets

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// RedactStep swaps every detected credential in the request text for a
// session-scoped placeholder before the request leaves the machine. It runs
// first in the chain: later steps may forward text to an upstream for
// analysis, and by then the secrets must already be gone.
type RedactStep struct {
	signatures *Signatures
	logger     *zap.Logger
}

// NewRedact creates the secret redaction step.
func NewRedact(signatures *Signatures, logger *zap.Logger) *RedactStep {
	return &RedactStep{
		signatures: signatures,
		logger:     logger.With(zap.String("component", "secret_redaction")),
	}
}

// Name implements pipeline.Step.
func (s *RedactStep) Name() string { return "secret-redaction" }

// AbortOnPanic implements pipeline.Aborter. A panic here can leave the
// request half redacted, and a half-redacted request must never reach the
// upstream.
func (s *RedactStep) AbortOnPanic() bool { return true }

// Process implements pipeline.Step.
func (s *RedactStep) Process(ctx context.Context, req *types.ChatRequest, ictx *pipeline.Context) (*pipeline.Outcome, error) {
	total := 0
	for _, seg := range req.TextSegments() {
		redacted, n := s.redactText(ctx, *seg, ictx)
		if n > 0 {
			*seg = redacted
			total += n
		}
	}

	if total > 0 {
		s.logger.Info("redacted secrets from request",
			zap.String("prompt_id", ictx.ID),
			zap.Int("count", total),
		)
	}
	return pipeline.Continue(req), nil
}

// redactText replaces every detected secret in text with a placeholder and
// returns the rewritten text with the substitution count.
func (s *RedactStep) redactText(ctx context.Context, text string, ictx *pipeline.Context) (string, int) {
	matches := s.signatures.FindInString(text)
	if len(matches) == 0 {
		return text, 0
	}

	spans := absoluteSpans(text, matches)

	// Replace back to front so earlier offsets stay valid. Spans whose
	// extension ran into an already-replaced region are skipped.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })

	out := text
	count := 0
	replacedFrom := len(text) + 1
	for _, sp := range spans {
		if sp.end > replacedFrom {
			continue
		}
		literal := text[sp.start:sp.end]

		placeholder, err := ictx.Sensitive.Redact(ctx, ictx.SessionID, session.OriginSecret, sp.match.Service, literal)
		if err != nil {
			// The substitution store is down; mint an untracked placeholder
			// so the value still never leaves the machine. The response will
			// show the placeholder instead of the restored literal.
			placeholder = session.NewPlaceholder(session.OriginSecret)
			s.logger.Error("substitution store failed, secret redacted irreversibly",
				zap.String("prompt_id", ictx.ID),
				zap.String("service", sp.match.Service),
				zap.Error(types.NewError(types.ErrRedaction, "failed to record substitution").WithCause(err)),
			)
		}

		out = out[:sp.start] + placeholder + out[sp.end:]
		replacedFrom = sp.start
		count++

		ictx.AddAlert(pipeline.Alert{
			Step:          s.Name(),
			TriggerType:   pipeline.TriggerSecret,
			TriggerString: sp.match.Service + " " + sp.match.Pattern,
			Category:      pipeline.CategoryCritical,
		})
		ictx.NoteRedaction(session.OriginSecret, sp.match.Service)
	}

	return out, count
}

type span struct {
	start, end int
	match      Match
}

// absoluteSpans converts per-line match offsets into byte offsets within
// the whole text and widens each one to the full surrounding token.
func absoluteSpans(text string, matches []Match) []span {
	lineStarts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}

	spans := make([]span, 0, len(matches))
	for _, m := range matches {
		if m.Line-1 >= len(lineStarts) {
			continue
		}
		start := lineStarts[m.Line-1] + m.Start
		end := lineStarts[m.Line-1] + m.End
		if start > len(text) || end > len(text) {
			continue
		}
		start, end = extendBoundaries(text, start, end)
		spans = append(spans, span{start: start, end: end, match: m})
	}
	return spans
}

// extendBoundaries widens a match to cover the whole token it sits in, so a
// pattern that catches only the distinctive middle of a credential still
// redacts all of it. Quotes, whitespace and the assignment '=' delimit a
// token.
func extendBoundaries(text string, start, end int) (int, int) {
	for start > 0 && !strings.ContainsRune(`"' `+"\n=", rune(text[start-1])) {
		start--
	}
	for end < len(text) && !strings.ContainsRune(`"' `+"\n", rune(text[end])) {
		end++
	}
	return start, end
}
