package pii

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

func newTestContext(t *testing.T) *pipeline.Context {
	t.Helper()
	mgr := session.NewManager(session.NewMemoryStore(), zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	return pipeline.NewContext("sess-1", pipeline.WorkspaceSnapshot{Name: "default"}, types.ClientGeneric, mgr)
}

func chatRequest(userText string) *types.ChatRequest {
	return &types.ChatRequest{
		Kind:     types.KindChat,
		Model:    "gpt-4o",
		Messages: []types.Message{types.NewUserMessage(userText)},
	}
}

func TestRedactStep_Email(t *testing.T) {
	step := NewRedact(NewAnalyzer(zap.NewNop()), zap.NewNop())
	ictx := newTestContext(t)
	req := chatRequest("email bob@example.com about the outage")

	out, err := step.Process(context.Background(), req, ictx)
	require.NoError(t, err)
	require.False(t, out.ShortCircuits())

	body := out.Request.Messages[0].Content
	assert.NotContains(t, body, "bob@example.com")
	assert.Regexp(t, `email <[0-9a-f\-]{36}> about the outage`, body)
	assert.Equal(t, 1, ictx.Redactions(session.OriginPII))

	alerts := ictx.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, pipeline.TriggerPII, alerts[0].TriggerType)
	assert.Equal(t, EntityEmail, alerts[0].TriggerString)
}

func TestRedactStep_ReversibleRoundTrip(t *testing.T) {
	step := NewRedact(NewAnalyzer(zap.NewNop()), zap.NewNop())
	ictx := newTestContext(t)
	req := chatRequest("contact carol@example.org or call +1 (555) 123-4567")

	out, err := step.Process(context.Background(), req, ictx)
	require.NoError(t, err)

	body := out.Request.Messages[0].Content
	assert.NotContains(t, body, "carol@example.org")
	assert.NotContains(t, body, "(555)")

	restored, n := ictx.Sensitive.Restore(context.Background(), ictx.SessionID, body)
	assert.Equal(t, 2, n)
	assert.Equal(t, "contact carol@example.org or call +1 (555) 123-4567", restored)
}

func TestRedactStep_SkipsExistingPlaceholders(t *testing.T) {
	step := NewRedact(NewAnalyzer(zap.NewNop()), zap.NewNop())
	ictx := newTestContext(t)

	// A secret placeholder's UUID tail is phone-shaped; the PII step must
	// leave it alone or unredaction breaks.
	placeholder := session.SecretPrefix + "9f1b2c3d-4e5f-6a7b-8c9d-426614174000"
	req := chatRequest("token " + placeholder + " stays")

	out, err := step.Process(context.Background(), req, ictx)
	require.NoError(t, err)
	assert.Contains(t, out.Request.Messages[0].Content, placeholder)
	assert.Zero(t, ictx.Redactions(session.OriginPII))
}

func TestRedactStep_NoPII(t *testing.T) {
	step := NewRedact(NewAnalyzer(zap.NewNop()), zap.NewNop())
	ictx := newTestContext(t)
	req := chatRequest("refactor this function to use generics")

	out, err := step.Process(context.Background(), req, ictx)
	require.NoError(t, err)
	assert.Equal(t, "refactor this function to use generics", out.Request.Messages[0].Content)
	assert.Empty(t, ictx.Alerts())
}

func TestRedactStep_CountsPerEntity(t *testing.T) {
	step := NewRedact(NewAnalyzer(zap.NewNop()), zap.NewNop())
	ictx := newTestContext(t)
	req := chatRequest("bob@example.com and carol@example.org and 192.168.1.1")

	_, err := step.Process(context.Background(), req, ictx)
	require.NoError(t, err)

	subtypes := ictx.RedactionSubtypes(session.OriginPII)
	assert.Equal(t, 2, subtypes[EntityEmail])
	assert.Equal(t, 1, subtypes[EntityIP])
}
