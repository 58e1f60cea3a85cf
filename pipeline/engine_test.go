package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// fakeStep drives the engine through every outcome shape.
type fakeStep struct {
	name    string
	process func(ctx context.Context, req *types.ChatRequest, pctx *Context) (*Outcome, error)
	abort   bool
}

func (f *fakeStep) Name() string { return f.name }
func (f *fakeStep) Process(ctx context.Context, req *types.ChatRequest, pctx *Context) (*Outcome, error) {
	return f.process(ctx, req, pctx)
}
func (f *fakeStep) AbortOnPanic() bool { return f.abort }

func testContext(t *testing.T) *Context {
	t.Helper()
	mgr := session.NewManager(session.NewMemoryStore(), zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	return NewContext("sess", WorkspaceSnapshot{Name: "default"}, types.ClientGeneric, mgr)
}

func simpleRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Kind:     types.KindChat,
		Model:    "m0",
		Messages: []types.Message{types.NewUserMessage("hello")},
	}
}

func TestPipeline_RunsStepsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Step {
		return &fakeStep{name: name, process: func(_ context.Context, req *types.ChatRequest, _ *Context) (*Outcome, error) {
			order = append(order, name)
			req.Model = req.Model + "+" + name
			return Continue(req), nil
		}}
	}

	p := New([]Step{mk("a"), mk("b"), mk("c")}, zap.NewNop(), nil)
	out := p.Run(context.Background(), simpleRequest(), testContext(t))

	require.NotNil(t, out.Request)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "m0+a+b+c", out.Request.Model)
}

func TestPipeline_ReplyNowShortCircuits(t *testing.T) {
	reached := false
	steps := []Step{
		&fakeStep{name: "reply", process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			return ReplyNow(&types.ChatResponse{Content: "blocked"}), nil
		}},
		&fakeStep{name: "after", process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			reached = true
			return nil, nil
		}},
	}

	out := New(steps, zap.NewNop(), nil).Run(context.Background(), simpleRequest(), testContext(t))
	require.True(t, out.ShortCircuits())
	assert.Equal(t, "blocked", out.Response.Content)
	assert.False(t, reached)
}

func TestPipeline_FailShortCircuits(t *testing.T) {
	steps := []Step{
		&fakeStep{name: "fail", process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			return Fail(types.NewError(types.ErrRoute, "no provider")), nil
		}},
	}

	out := New(steps, zap.NewNop(), nil).Run(context.Background(), simpleRequest(), testContext(t))
	require.NotNil(t, out.Err)
	assert.Equal(t, types.ErrRoute, out.Err.Code)
}

func TestPipeline_LocalErrorContinuesWithPriorRequest(t *testing.T) {
	steps := []Step{
		&fakeStep{name: "boom", process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			return nil, errors.New("detector offline")
		}},
		&fakeStep{name: "after", process: func(_ context.Context, req *types.ChatRequest, _ *Context) (*Outcome, error) {
			req.Model = "reached"
			return Continue(req), nil
		}},
	}

	out := New(steps, zap.NewNop(), nil).Run(context.Background(), simpleRequest(), testContext(t))
	require.NotNil(t, out.Request)
	assert.Equal(t, "reached", out.Request.Model)
}

func TestPipeline_PanicInAborterFailsRequest(t *testing.T) {
	steps := []Step{
		&fakeStep{name: "redact", abort: true, process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			panic("half-redacted")
		}},
	}

	out := New(steps, zap.NewNop(), nil).Run(context.Background(), simpleRequest(), testContext(t))
	require.NotNil(t, out.Err)
	assert.Equal(t, types.ErrUpstream, out.Err.Code)
	assert.Equal(t, 502, out.Err.HTTPStatus)
}

func TestPipeline_PanicInOrdinaryStepIsLocalFailure(t *testing.T) {
	steps := []Step{
		&fakeStep{name: "flaky", process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			panic("oops")
		}},
		&fakeStep{name: "after", process: func(_ context.Context, req *types.ChatRequest, _ *Context) (*Outcome, error) {
			req.Model = "survived"
			return Continue(req), nil
		}},
	}

	out := New(steps, zap.NewNop(), nil).Run(context.Background(), simpleRequest(), testContext(t))
	require.NotNil(t, out.Request)
	assert.Equal(t, "survived", out.Request.Model)
}

func TestPipeline_NilOutcomeContinues(t *testing.T) {
	steps := []Step{
		&fakeStep{name: "noop", process: func(context.Context, *types.ChatRequest, *Context) (*Outcome, error) {
			return nil, nil
		}},
	}

	out := New(steps, zap.NewNop(), nil).Run(context.Background(), simpleRequest(), testContext(t))
	require.NotNil(t, out.Request)
	assert.Equal(t, "m0", out.Request.Model)
}

func TestContext_AlertsAndRedactions(t *testing.T) {
	ictx := testContext(t)

	ictx.AddAlert(Alert{Step: "s", TriggerType: TriggerSecret, TriggerString: "GitHub"})
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	ictx.NoteRedaction(session.OriginPII, "email_address")

	alerts := ictx.Alerts()
	require.Len(t, alerts, 1)
	assert.NotEmpty(t, alerts[0].ID)
	assert.False(t, alerts[0].Timestamp.IsZero())
	assert.Equal(t, CategoryInfo, alerts[0].Category)

	assert.Equal(t, 2, ictx.Redactions(session.OriginSecret))
	assert.Equal(t, 1, ictx.Redactions(session.OriginPII))
	assert.Equal(t, map[string]int{"GitHub": 2}, ictx.RedactionSubtypes(session.OriginSecret))
}
