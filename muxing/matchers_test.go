package muxing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codegate/types"
)

func TestNewSubject_CollectsFilenames(t *testing.T) {
	req := &types.ChatRequest{
		Kind: types.KindChat,
		Messages: []types.Message{
			types.NewUserMessage("```py src/app.py\nx = 1\n```"),
			types.NewUserMessage("```go cmd/root.go\npackage cmd\n```"),
		},
	}

	sub := NewSubject(req, types.ClientGeneric)
	assert.Equal(t, types.KindChat, sub.Kind)
	assert.ElementsMatch(t, []string{"src/app.py", "cmd/root.go"}, sub.Filenames)
}

func TestNewSubject_FIMPrompt(t *testing.T) {
	req := &types.ChatRequest{
		Kind:   types.KindFIM,
		Prompt: "```py lib/util.py\ndef f(\n```",
	}

	sub := NewSubject(req, types.ClientGeneric)
	assert.Equal(t, types.KindFIM, sub.Kind)
	assert.Contains(t, sub.Filenames, "lib/util.py")
}

func TestRuleMatches_Filename(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		filenames []string
		want      bool
	}{
		// ---
		{"extension glob hits base name", "*.py", []string{"src/app.py"}, true},
		// ---
		{"doublestar walks directories", "src/**/*.go", []string{"src/cmd/main.go"}, true},
		// ---
		{"doublestar matches zero segments", "**/*.go", []string{"root.go"}, true},
		// ---
		{"exact base name", "main.py", []string{"src/main.py"}, true},
		// ---
		{"directory-scoped glob", "src/*.py", []string{"lib/app.py"}, false},
		// ---
		{"wrong extension", "*.rs", []string{"src/app.py", "cmd/root.go"}, false},
		// ---
		{"no filenames in request", "*.py", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Rule{Matcher: MatcherFilename, Pattern: tt.pattern}
			require.NoError(t, rule.Validate())
			sub := Subject{Kind: types.KindChat, Filenames: tt.filenames}
			assert.Equal(t, tt.want, rule.matches(sub))
		})
	}
}

func TestRuleMatches_RequestType(t *testing.T) {
	fimRule := Rule{Matcher: MatcherRequestType, Pattern: "fim"}
	chatRule := Rule{Matcher: MatcherRequestType, Pattern: "chat"}

	assert.True(t, fimRule.matches(Subject{Kind: types.KindFIM}))
	assert.False(t, fimRule.matches(Subject{Kind: types.KindChat}))
	assert.True(t, chatRule.matches(Subject{Kind: types.KindChat}))
	assert.False(t, chatRule.matches(Subject{Kind: types.KindFIM}))

	embedRule := Rule{Matcher: MatcherRequestType, Pattern: "embeddings"}
	assert.True(t, embedRule.matches(Subject{Kind: types.KindEmbeddings}))
	assert.False(t, embedRule.matches(Subject{Kind: types.KindCompletion}))
}

func TestRuleMatches_CatchAll(t *testing.T) {
	rule := Rule{Matcher: MatcherCatchAll}
	assert.True(t, rule.matches(Subject{}))
	assert.True(t, rule.matches(Subject{Kind: types.KindFIM, Filenames: []string{"a.py"}}))
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		// ---
		{"catch_all needs nothing", Rule{Matcher: MatcherCatchAll}, false},
		// ---
		{"filename with glob", Rule{Matcher: MatcherFilename, Pattern: "src/**/*.py"}, false},
		// ---
		{"filename without pattern", Rule{Matcher: MatcherFilename}, true},
		// ---
		{"filename with broken glob", Rule{Matcher: MatcherFilename, Pattern: "["}, true},
		// ---
		{"request_type chat", Rule{Matcher: MatcherRequestType, Pattern: "chat"}, false},
		// ---
		{"request_type fim", Rule{Matcher: MatcherRequestType, Pattern: "fim"}, false},
		// ---
		{"request_type completion", Rule{Matcher: MatcherRequestType, Pattern: "completion"}, false},
		// ---
		{"request_type embeddings", Rule{Matcher: MatcherRequestType, Pattern: "embeddings"}, false},
		// ---
		{"request_type unknown kind", Rule{Matcher: MatcherRequestType, Pattern: "embedding"}, true},
		// ---
		{"request_type without pattern", Rule{Matcher: MatcherRequestType}, true},
		// ---
		{"unknown matcher", Rule{Matcher: "regex_match", Pattern: ".*"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMatcherTypeValid(t *testing.T) {
	assert.True(t, MatcherCatchAll.Valid())
	assert.True(t, MatcherFilename.Valid())
	assert.True(t, MatcherRequestType.Valid())
	assert.False(t, MatcherType("semantic_match").Valid())
}
