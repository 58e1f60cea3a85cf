package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/internal/metrics"
	"github.com/stacklok/codegate/types"
)

// OutputStep rewrites the response stream one chunk at a time. A step may
// absorb a chunk (return an empty slice and buffer internally), pass it
// through, rewrite it, or expand it into several chunks.
//
// A returned error is a local failure: the engine logs it and forwards the
// step's input chunk unchanged.
type OutputStep interface {
	// Name identifies the step in logs and metrics.
	Name() string

	ProcessChunk(ctx context.Context, chunk types.StreamChunk, octx *OutputContext, ictx *Context) ([]types.StreamChunk, error)
}

// Flusher is implemented by output steps that buffer data across chunks.
// Flush is called once at end of stream; whatever it returns is pushed
// through the remaining steps before delivery.
type Flusher interface {
	Flush(ctx context.Context, octx *OutputContext, ictx *Context) []types.StreamChunk
}

// OutputContext is per-stream state shared by the output steps.
type OutputContext struct {
	// Metadata is free-form scratch shared between steps.
	Metadata map[string]any

	// Usage holds the token accounting for the stream, either relayed from
	// the upstream's final chunk or computed locally at end of stream.
	Usage types.Usage

	seq     uint64
	content strings.Builder
}

// Content returns the text delivered to the client so far.
func (o *OutputContext) Content() string {
	return o.content.String()
}

// OutputPipeline drives one response stream through an ordered chain of
// output steps. Instances are per-stream: steps carry buffering state.
type OutputPipeline struct {
	steps     []OutputStep
	octx      *OutputContext
	ictx      *Context
	logger    *zap.Logger
	collector *metrics.Collector
	closed    bool
}

// NewOutput assembles an output pipeline for one stream. collector may be
// nil.
func NewOutput(steps []OutputStep, ictx *Context, logger *zap.Logger, collector *metrics.Collector) *OutputPipeline {
	return &OutputPipeline{
		steps: steps,
		octx: &OutputContext{
			Metadata: make(map[string]any),
		},
		ictx:      ictx,
		logger:    logger.With(zap.String("component", "output_pipeline")),
		collector: collector,
	}
}

// Context exposes the stream's output context, for callers that need the
// accumulated content or usage after the stream ends.
func (p *OutputPipeline) Context() *OutputContext {
	return p.octx
}

// Process pushes one upstream chunk through the chain and returns the
// chunks to deliver, renumbered with strictly monotonic Seq.
func (p *OutputPipeline) Process(ctx context.Context, chunk types.StreamChunk) []types.StreamChunk {
	chunks := []types.StreamChunk{chunk}
	for _, step := range p.steps {
		chunks = p.applyStep(ctx, step, chunks)
		if len(chunks) == 0 {
			break
		}
	}
	return p.finalize(chunks)
}

// Close flushes every buffering step at end of stream, pushing whatever
// each one releases through the steps after it. Safe to call once.
func (p *OutputPipeline) Close(ctx context.Context) []types.StreamChunk {
	if p.closed {
		return nil
	}
	p.closed = true

	var out []types.StreamChunk
	for i, step := range p.steps {
		f, ok := step.(Flusher)
		if !ok {
			continue
		}
		chunks := f.Flush(ctx, p.octx, p.ictx)
		for _, next := range p.steps[i+1:] {
			chunks = p.applyStep(ctx, next, chunks)
		}
		// Finalize per flusher so later flushes observe the full content.
		out = append(out, p.finalize(chunks)...)
	}
	return out
}

func (p *OutputPipeline) applyStep(ctx context.Context, step OutputStep, chunks []types.StreamChunk) []types.StreamChunk {
	out := make([]types.StreamChunk, 0, len(chunks))
	for _, c := range chunks {
		produced, err := p.runStep(ctx, step, c)
		if err != nil {
			p.logger.Warn("output step failed, passing chunk through",
				zap.String("step", step.Name()),
				zap.String("prompt_id", p.ictx.ID),
				zap.Error(err),
			)
			out = append(out, c)
			continue
		}
		out = append(out, produced...)
	}
	return out
}

func (p *OutputPipeline) runStep(ctx context.Context, step OutputStep, chunk types.StreamChunk) (out []types.StreamChunk, err error) {
	start := time.Now()
	defer func() {
		if p.collector != nil {
			p.collector.RecordPipelineStep(step.Name(), "response", time.Since(start))
		}
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("step %s panicked: %v", step.Name(), r)
		}
	}()

	return step.ProcessChunk(ctx, chunk, p.octx, p.ictx)
}

// finalize assigns delivery order and accumulates the delivered text.
func (p *OutputPipeline) finalize(chunks []types.StreamChunk) []types.StreamChunk {
	for i := range chunks {
		p.octx.seq++
		chunks[i].Seq = p.octx.seq
		p.octx.content.WriteString(chunks[i].Content)
	}
	return chunks
}
