// 提示词目录测试。
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPrompts(t *testing.T) {
	p := DefaultPrompts()

	assert.Contains(t, p.Get("default_chat"), "You are CodeGate")
	assert.True(t, p.Has("secrets_redacted"))
	assert.True(t, p.Has("pii_redacted"))
	assert.Contains(t, p.Get("pii_redacted"), "<123e4567-e89b-12d3-a456-426614174000>")
}

func TestPrompts_ForClient(t *testing.T) {
	p := DefaultPrompts()

	cline := p.ForClient("cline")
	assert.Contains(t, cline, "Cline")

	// 未细分的客户端回退到 default_chat
	generic := p.ForClient("continue")
	assert.Equal(t, p.Get("default_chat"), generic)
}

func TestLoadPrompts_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	content := `
default_chat: "custom gate prompt"
secrets_redacted: "custom secrets notice"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "custom gate prompt", p.Get("default_chat"))
	assert.Equal(t, "custom secrets notice", p.Get("secrets_redacted"))
	assert.False(t, p.Has("pii_redacted"))
}

func TestLoadPrompts_RejectsNonString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_chat: [a, b]\n"), 0o600))

	_, err := LoadPrompts(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a string")
}

func TestLoadPrompts_MissingFile(t *testing.T) {
	_, err := LoadPrompts("/nonexistent/prompts.yaml")
	require.Error(t, err)
}
