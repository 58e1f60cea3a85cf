package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codegate/types"
)

func TestSnippets_FencedBlocks(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		language string
		filePath string
		code     string
	}{
		{
			name:     "language only",
			text:     "Here you go:\n```python\nimport requests\nprint(requests.get('x'))\n```\n",
			language: "python",
			code:     "import requests\nprint(requests.get('x'))\n",
		},
		{
			name:     "short language with path and line range",
			text:     "```py src/main.py (10-20)\ndef handler():\n    pass\n```",
			language: "python",
			filePath: "src/main.py",
			code:     "def handler():\n    pass\n",
		},
		{
			name:     "path only resolves language from extension",
			text:     "```src/codegate/config.go\npackage config\n```",
			language: "go",
			filePath: "src/codegate/config.go",
			code:     "package config\n",
		},
		{
			name:     "typescript folds into javascript",
			text:     "```ts\nimport fs from 'fs'\n```",
			language: "javascript",
			code:     "import fs from 'fs'\n",
		},
		{
			name: "unknown bare word is neither language nor path",
			text: "```sh\necho hi\n```",
			code: "echo hi\n",
		},
	}

	ex := ForClient(types.ClientGeneric)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snippets := ex.Snippets(tt.text)
			require.Len(t, snippets, 1)
			assert.Equal(t, tt.language, snippets[0].Language)
			assert.Equal(t, tt.filePath, snippets[0].FilePath)
			assert.Equal(t, tt.code, snippets[0].Code)
		})
	}
}

func TestSnippets_MultipleBlocks(t *testing.T) {
	text := "First:\n```python\na = 1\n```\nThen:\n```go\nb := 2\n```\n"
	snippets := ForClient(types.ClientGeneric).Snippets(text)

	require.Len(t, snippets, 2)
	assert.Equal(t, "python", snippets[0].Language)
	assert.Equal(t, "go", snippets[1].Language)
}

func TestSnippets_Cline(t *testing.T) {
	text := `<task>review this</task>
<file_content path="src/app.ts">
const x = require('lodash')
</file_content>`

	snippets := ForClient(types.ClientCline).Snippets(text)
	require.Len(t, snippets, 1)
	assert.Equal(t, "src/app.ts", snippets[0].FilePath)
	assert.Equal(t, ".ts", snippets[0].Extension)
	assert.Equal(t, "javascript", snippets[0].Language)
	assert.Contains(t, snippets[0].Code, "require('lodash')")
}

func TestSnippets_Kodu(t *testing.T) {
	text := `<files count="1"><file path="testing_file.py">import invokehttp
import fastapi

def add(a, b):
     return a + b
</file></files>`

	snippets := ForClient(types.ClientKodu).Snippets(text)
	require.Len(t, snippets, 1)
	assert.Equal(t, "testing_file.py", snippets[0].FilePath)
	assert.Equal(t, "python", snippets[0].Language)
	assert.Contains(t, snippets[0].Code, "import fastapi")
}

func TestSnippets_AiderSummary(t *testing.T) {
	text := "src/codegate/config.py:\n" +
		"⋮...\n" +
		"│class Config:\n" +
		"⋮...\n\n" +
		"src/codegate/db/models.py:\n" +
		"⋮...\n" +
		"│class Alert(BaseModel):\n" +
		"⋮...\n\n"

	snippets := ForClient(types.ClientAider).Snippets(text)
	require.Len(t, snippets, 2)
	assert.Equal(t, "src/codegate/config.py", snippets[0].FilePath)
	assert.Contains(t, snippets[0].Code, "class Config:")
	assert.Equal(t, "src/codegate/db/models.py", snippets[1].FilePath)
	assert.Equal(t, "python", snippets[1].Language)
}

func TestSnippets_AiderFullFile(t *testing.T) {
	text := "I have *added these files to the chat*.\n\n" +
		"src/codegate/api/v1_models.py\n" +
		"```\nimport pydantic\n\nclass Workspace(pydantic.BaseModel):\n    name: str\n```\n"

	snippets := ForClient(types.ClientAider).Snippets(text)
	require.Len(t, snippets, 1)
	assert.Equal(t, "src/codegate/api/v1_models.py", snippets[0].FilePath)
	assert.Equal(t, "python", snippets[0].Language)
	assert.Contains(t, snippets[0].Code, "class Workspace(pydantic.BaseModel):")
}

func TestSnippets_OpenInterpreterRead(t *testing.T) {
	text := "# Attempting to read the content of `codegate/api/v1_processing.py` to analyze it.\n" +
		"v1_path = os.path.abspath('src/codegate/api/v1_processing.py')\n" +
		"File read successfully.\n" +
		"'import asyncio\nimport json\nfrom collections import defaultdict'"

	snippets := ForClient(types.ClientOpenInterpreter).Snippets(text)
	require.Len(t, snippets, 1)
	assert.Equal(t, "codegate/api/v1_processing.py", snippets[0].FilePath)
	assert.Equal(t, "python", snippets[0].Language)
	assert.Contains(t, snippets[0].Code, "import asyncio")
	assert.NotContains(t, snippets[0].Code, "File read successfully")
}

func TestSnippets_OpenInterpreterAuto(t *testing.T) {
	text := "# Open and read the contents of the src/codegate/api/v1.py file\n" +
		"with open('src/codegate/api/v1.py', 'r') as file:\n    content = file.read()\n\n" +
		"raise HTTPException(status_code=400, detail=str(e))"

	snippets := ForClient(types.ClientOpenInterpreter).Snippets(text)
	require.Len(t, snippets, 1)
	assert.Equal(t, "src/codegate/api/v1.py", snippets[0].FilePath)
	assert.Contains(t, snippets[0].Code, "raise HTTPException")
}

func TestUniqueFilePaths(t *testing.T) {
	text := "```py src/main.py\nfirst = 1\n```\n" +
		"```python\nno_file = True\n```\n" +
		"```py lib/main.py\nsecond = 2\n```\n" +
		"```go pkg/server.go\npackage pkg\n```\n"

	unique := ForClient(types.ClientGeneric).UniqueFilePaths(text)

	require.Len(t, unique, 2)
	assert.Contains(t, unique, "main.py")
	assert.Contains(t, unique, "server.go")
	// First occurrence of a base name wins.
	assert.Equal(t, "src/main.py", unique["main.py"].FilePath)
}

func TestRequestFilenames_UserMessages(t *testing.T) {
	req := &types.ChatRequest{
		Kind: types.KindChat,
		Messages: []types.Message{
			types.NewUserMessage("```py src/app.py\nx = 1\n```"),
			types.NewAssistantMessage("```py generated.py\ny = 2\n```"),
			types.NewUserMessage("```go cmd/root.go\npackage cmd\n```"),
		},
	}

	names := RequestFilenames(req, types.ClientGeneric)
	assert.Contains(t, names, "src/app.py")
	assert.Contains(t, names, "cmd/root.go")
	// Assistant output is not the user's working set.
	assert.NotContains(t, names, "generated.py")
}

func TestRequestFilenames_OpenInterpreterToolPairs(t *testing.T) {
	args, err := json.Marshal(map[string]string{
		"code": "# Attempting to read the content of `src/app.py`\nopen('src/app.py')",
	})
	require.NoError(t, err)

	req := &types.ChatRequest{
		Kind: types.KindChat,
		Messages: []types.Message{
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "t1", Name: "execute", Arguments: args}}},
			types.NewToolMessage("t1", "execute", "File read successfully.\n'import flask'"),
		},
	}

	names := RequestFilenames(req, types.ClientOpenInterpreter)
	assert.Contains(t, names, "src/app.py")
}

func TestForClient_UnknownFallsBackToFenced(t *testing.T) {
	text := "```python\nx = 1\n```"
	snippets := ForClient(types.ClientContinue).Snippets(text)
	require.Len(t, snippets, 1)
	assert.Equal(t, "python", snippets[0].Language)
}
