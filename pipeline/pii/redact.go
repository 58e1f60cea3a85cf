package pii

import (
	"context"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// RedactStep swaps detected PII spans for session-scoped placeholders. It
// runs after secret redaction; spans that land inside an existing
// placeholder are skipped so the two detectors never shred each other's
// work.
type RedactStep struct {
	analyzer *Analyzer
	logger   *zap.Logger
}

// NewRedact creates the PII redaction step.
func NewRedact(analyzer *Analyzer, logger *zap.Logger) *RedactStep {
	return &RedactStep{
		analyzer: analyzer,
		logger:   logger.With(zap.String("component", "pii_redaction")),
	}
}

// Name implements pipeline.Step.
func (s *RedactStep) Name() string { return "pii-redaction" }

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
		s.logger.Info("redacted PII from request",
			zap.String("prompt_id", ictx.ID),
			zap.Int("count", total),
		)
	}
	return pipeline.Continue(req), nil
}

func (s *RedactStep) redactText(ctx context.Context, text string, ictx *pipeline.Context) (string, int) {
	findings := s.analyzer.Analyze(text)
	if len(findings) == 0 {
		return text, 0
	}

	claimed := session.FindPlaceholders(text)

	// Findings arrive in document order; replace back to front so earlier
	// offsets stay valid.
	out := text
	count := 0
	for i := len(findings) - 1; i >= 0; i-- {
		f := findings[i]
		if overlapsAny(f.Start, f.End, claimed) {
			continue
		}

		placeholder, err := ictx.Sensitive.Redact(ctx, ictx.SessionID, session.OriginPII, f.Entity, f.Value)
		if err != nil {
			placeholder = session.NewPlaceholder(session.OriginPII)
			s.logger.Error("substitution store failed, PII redacted irreversibly",
				zap.String("prompt_id", ictx.ID),
				zap.String("entity", f.Entity),
				zap.Error(types.NewError(types.ErrRedaction, "failed to record substitution").WithCause(err)),
			)
		}

		out = out[:f.Start] + placeholder + out[f.End:]
		count++

		ictx.AddAlert(pipeline.Alert{
			Step:          s.Name(),
			TriggerType:   pipeline.TriggerPII,
			TriggerString: f.Entity,
			Category:      pipeline.CategoryCritical,
		})
		ictx.NoteRedaction(session.OriginPII, f.Entity)
	}

	return out, count
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, sp := range spans {
		if start < sp[1] && sp[0] < end {
			return true
		}
	}
	return false
}
