package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/config"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

func runSysprompt(t *testing.T, req *types.ChatRequest, ictx *Context) *types.ChatRequest {
	t.Helper()
	step := NewSystemPrompt(config.DefaultPrompts())
	out, err := step.Process(context.Background(), req, ictx)
	require.NoError(t, err)
	require.NotNil(t, out.Request)
	return out.Request
}

func TestSystemPrompt_SetsWhenAbsent(t *testing.T) {
	req := simpleRequest()
	got := runSysprompt(t, req, testContext(t))

	assert.Contains(t, got.System, "CodeGate")
	assert.Contains(t, got.System, "security-focused")
}

func TestSystemPrompt_PrependsToExisting(t *testing.T) {
	req := simpleRequest()
	req.System = "You are a pirate."
	got := runSysprompt(t, req, testContext(t))

	assert.Contains(t, got.System, "CodeGate")
	assert.Contains(t, got.System, "Here are additional instructions.")
	assert.True(t, strings.HasSuffix(got.System, "You are a pirate."))
}

func TestSystemPrompt_LeavesOwnPromptAlone(t *testing.T) {
	req := simpleRequest()
	req.System = "You are CodeGate, already configured."
	got := runSysprompt(t, req, testContext(t))

	assert.Equal(t, "You are CodeGate, already configured.", got.System)
}

func TestSystemPrompt_WorkspaceInstructions(t *testing.T) {
	mgr := session.NewManager(session.NewMemoryStore(), zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	ictx := NewContext("sess", WorkspaceSnapshot{
		Name:               "team-a",
		CustomInstructions: "Always answer in French.",
	}, types.ClientGeneric, mgr)

	got := runSysprompt(t, simpleRequest(), ictx)
	assert.Contains(t, got.System, "Always answer in French.")
}

func TestSystemPrompt_RedactionPreambles(t *testing.T) {
	ictx := testContext(t)
	ictx.NoteRedaction(session.OriginSecret, "GitHub")
	ictx.NoteRedaction(session.OriginPII, "email_address")

	got := runSysprompt(t, simpleRequest(), ictx)
	assert.Contains(t, got.System, "REDACTED_123e4567")
	assert.Contains(t, got.System, "redacted personally identifiable information")
}

func TestSystemPrompt_NoPreamblesWithoutRedactions(t *testing.T) {
	got := runSysprompt(t, simpleRequest(), testContext(t))
	assert.NotContains(t, got.System, "REDACTED_123e4567")
}

func TestSystemPrompt_ClineVariant(t *testing.T) {
	mgr := session.NewManager(session.NewMemoryStore(), zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	ictx := NewContext("sess", WorkspaceSnapshot{Name: "default"}, types.ClientCline, mgr)

	got := runSysprompt(t, simpleRequest(), ictx)
	assert.Contains(t, got.System, "Cline")
}
