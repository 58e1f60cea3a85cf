package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/internal/metrics"
	"github.com/stacklok/codegate/types"
)

// Step is one request-side inspection/mutation operation.
//
// A returned error is a local failure: the engine logs it and continues the
// chain with the request the step received. Fatal conditions are signalled
// through Outcome.Err instead. A nil outcome with nil error also means
// "continue unchanged".
type Step interface {
	// Name identifies the step in logs, alerts and metrics.
	Name() string

	Process(ctx context.Context, req *types.ChatRequest, pctx *Context) (*Outcome, error)
}

// Aborter marks steps whose panic must abort the request instead of being
// swallowed as a local failure. The secret redaction step uses this: a
// half-redacted request must never reach the upstream.
type Aborter interface {
	AbortOnPanic() bool
}

// Pipeline runs an ordered chain of request steps.
type Pipeline struct {
	steps     []Step
	logger    *zap.Logger
	collector *metrics.Collector
}

// New assembles a request pipeline. collector may be nil.
func New(steps []Step, logger *zap.Logger, collector *metrics.Collector) *Pipeline {
	return &Pipeline{
		steps:     steps,
		logger:    logger.With(zap.String("component", "pipeline")),
		collector: collector,
	}
}

// Run drives the request through every step in order. The returned outcome
// is never nil: it carries the final request, a local reply, or an error.
func (p *Pipeline) Run(ctx context.Context, req *types.ChatRequest, pctx *Context) *Outcome {
	current := req

	for _, step := range p.steps {
		out, err := p.runStep(ctx, step, current, pctx)
		if err != nil {
			if abort, ok := err.(*abortError); ok {
				p.logger.Error("pipeline aborted",
					zap.String("step", step.Name()),
					zap.String("prompt_id", pctx.ID),
					zap.Any("panic", abort.cause),
				)
				return Fail(types.NewError(types.ErrUpstream,
					"request aborted before reaching the upstream").WithHTTPStatus(502))
			}
			// Local failure: keep going with the request the step received.
			p.logger.Warn("pipeline step failed, continuing",
				zap.String("step", step.Name()),
				zap.String("prompt_id", pctx.ID),
				zap.Error(err),
			)
			continue
		}
		if out == nil {
			continue
		}
		if out.ShortCircuits() {
			if out.Response != nil && p.collector != nil {
				p.collector.RecordPolicyBlock(step.Name())
			}
			return out
		}
		if out.Request != nil {
			current = out.Request
		}
	}

	return Continue(current)
}

type abortError struct {
	step  string
	cause any
}

func (e *abortError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.step, e.cause)
}

func (p *Pipeline) runStep(ctx context.Context, step Step, req *types.ChatRequest, pctx *Context) (out *Outcome, err error) {
	start := time.Now()
	defer func() {
		if p.collector != nil {
			p.collector.RecordPipelineStep(step.Name(), "request", time.Since(start))
		}
		if r := recover(); r != nil {
			out = nil
			if a, ok := step.(Aborter); ok && a.AbortOnPanic() {
				err = &abortError{step: step.Name(), cause: r}
				return
			}
			err = fmt.Errorf("step %s panicked: %v", step.Name(), r)
		}
	}()

	return step.Process(ctx, req, pctx)
}
