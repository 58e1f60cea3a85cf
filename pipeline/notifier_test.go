package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

const testDashboard = "http://localhost:9090"

func TestNotifier_SecretNotice(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")

	step := NewNotifier(testDashboard)
	out, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "Sure, "}, nil, ictx)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Contains(t, out[0].Content, "CodeGate prevented 1 secret")
	assert.Contains(t, out[0].Content, testDashboard)
	assert.Equal(t, types.RoleAssistant, out[0].Role)
	assert.Equal(t, "Sure, ", out[1].Content)
}

func TestNotifier_PluralSecrets(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	ictx.NoteRedaction(session.OriginSecret, "AWS")

	step := NewNotifier(testDashboard)
	out, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "x"}, nil, ictx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].Content, "CodeGate prevented 2 secrets")
}

func TestNotifier_PIISummary(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginPII, "email_address")
	ictx.NoteRedaction(session.OriginPII, "email_address")
	ictx.NoteRedaction(session.OriginPII, "phone_number")

	step := NewNotifier(testDashboard)
	out, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "x"}, nil, ictx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].Content, "CodeGate protected 3 instances of PII")
	assert.Contains(t, out[0].Content, "2 email addresses")
	assert.Contains(t, out[0].Content, "1 phone number")
}

func TestNotifier_NoRedactionsNoNotice(t *testing.T) {
	ictx := testContext(t)
	step := NewNotifier(testDashboard)

	out, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "hello"}, nil, ictx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Content)

	assert.Empty(t, step.Flush(context.Background(), nil, ictx))
}

func TestNotifier_EmitsOnce(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	step := NewNotifier(testDashboard)

	first, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "a"}, nil, ictx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "b"}, nil, ictx)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	assert.Empty(t, step.Flush(context.Background(), nil, ictx))
}

func TestNotifier_WaitsForContent(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	step := NewNotifier(testDashboard)

	// Role-only envelope chunk: not yet.
	out, err := step.ProcessChunk(context.Background(), types.StreamChunk{Role: types.RoleAssistant}, nil, ictx)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = step.ProcessChunk(context.Background(), types.StreamChunk{Content: "now"}, nil, ictx)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestNotifier_ClineThinkingWrap(t *testing.T) {
	mgr := session.NewManager(session.NewMemoryStore(), zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	ictx := NewContext("sess", WorkspaceSnapshot{Name: "default"}, types.ClientCline, mgr)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")

	step := NewNotifier(testDashboard)
	out, err := step.ProcessChunk(context.Background(), types.StreamChunk{Content: "x"}, nil, ictx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, len(out[0].Content) > 0)
	assert.Contains(t, out[0].Content, "<thinking>")
	assert.Contains(t, out[0].Content, "</thinking>")
	assert.Contains(t, out[0].Content, "CodeGate prevented 1 secret")
}

func TestNotifier_FlushEmitsWhenStreamHadNoContent(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	step := NewNotifier(testDashboard)

	out := step.Flush(context.Background(), nil, ictx)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "CodeGate prevented 1 secret")
}
