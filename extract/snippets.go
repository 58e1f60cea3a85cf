// Package extract pulls structure out of free-form assistant traffic:
// fenced code snippets in the per-client markup variants, package
// identifiers from code and manifests, and the identity of the calling
// client. Everything here is best-effort text analysis; callers treat an
// empty result as "nothing recognizable", never as an error.
package extract

import (
	"path"
	"regexp"
	"strings"

	"github.com/stacklok/codegate/types"
)

// Snippet is one code block recovered from a message, with whatever
// language and file path the surrounding markup revealed.
type Snippet struct {
	Code      string
	Language  string
	FilePath  string
	Extension string
}

// Fenced blocks as most assistants emit them: optional language word,
// optional filename, optional "(from-to)" line range, then the body.
// A bare word after the backticks lands in the filename group and is
// reclassified by classify when it carries no extension.
var (
	fencedBlockRe = regexp.MustCompile(
		"(?s)```" +
			`(?:(?P<language>[a-zA-Z0-9_+-]+)\s+)?` +
			`(?:(?P<filename>[^\s(\n]+))?` +
			`(?:\s+\([0-9]+-[0-9]+\))?` +
			`\s*\n` +
			"(?P<content>.*?)```",
	)
	fencedBlockWithFileRe = regexp.MustCompile(
		"(?s)```" +
			`(?:(?P<language>[a-zA-Z0-9_+-]+)\s+)?` +
			`(?P<filename>[^\s(\n]+)` +
			`(?:\s+\([0-9]+-[0-9]+\))?` +
			`\s*\n` +
			"(?P<content>.*?)```",
	)

	// Cline sends whole files inside <file_content path="..."> tags.
	clineFileRe = regexp.MustCompile(
		`(?s)<file_content\s+path="(?P<filename>[^"]+)">(?P<content>.*?)</file_content>`,
	)

	// Kodu attaches files as <file path="..."> inside the task block.
	koduFileRe = regexp.MustCompile(
		`(?s)<file\s+path="(?P<filename>[^"]+)">(?P<content>.*?)</file>`,
	)

	// Aider repo summaries: a path header line, elided body, "⋮..." end
	// marker. Full files use a path header directly above a plain fence.
	aiderSummaryRe = regexp.MustCompile(
		`(?sm)^(?P<filename>[^\n]+):\n(?P<content>.*?)⋮\.\.\.\n\n`,
	)
	aiderFileRe = regexp.MustCompile(
		"(?sm)^(?P<filename>[^\\n]+)\n```(?P<content>.*?)```",
	)

	// Open Interpreter reads files through tool calls; these match the
	// read patterns in the tool arguments plus the echoed result.
	openInterpreterReadRe = regexp.MustCompile(
		"(?s)# Attempting to read the content of `(?P<filename>[^`]+)`" +
			`.*?File read successfully\.\n'(?P<content>.*?)'`,
	)
	openInterpreterAutoRe = regexp.MustCompile(
		`(?s)# Open and read the contents of the (?P<filename>\S+) file.*?\n\n(?P<content>.*)`,
	)
)

var extensionLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".go":   "go",
	".rs":   "rust",
	".java": "java",
}

var shortLanguages = map[string]string{
	"py":   "python",
	"js":   "javascript",
	"ts":   "typescript",
	"tsx":  "typescript",
	"go":   "go",
	"rs":   "rust",
	"java": "java",
}

var knownLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"go":         true,
	"rust":       true,
	"java":       true,
}

// Extractor recognizes the snippet markup of one client family.
type Extractor struct {
	patterns     []*regexp.Regexp
	withFilename []*regexp.Regexp
}

// ForClient returns the snippet extractor matching the client's markup.
// Unknown clients get the plain fenced-block extractor.
func ForClient(client types.ClientType) *Extractor {
	switch client {
	case types.ClientCline:
		return &Extractor{
			patterns:     []*regexp.Regexp{clineFileRe},
			withFilename: []*regexp.Regexp{clineFileRe},
		}
	case types.ClientKodu:
		return &Extractor{
			patterns:     []*regexp.Regexp{koduFileRe},
			withFilename: []*regexp.Regexp{koduFileRe},
		}
	case types.ClientAider:
		return &Extractor{
			patterns:     []*regexp.Regexp{aiderSummaryRe, aiderFileRe},
			withFilename: []*regexp.Regexp{aiderSummaryRe, aiderFileRe},
		}
	case types.ClientOpenInterpreter:
		return &Extractor{
			patterns:     []*regexp.Regexp{openInterpreterReadRe, openInterpreterAutoRe},
			withFilename: []*regexp.Regexp{openInterpreterReadRe, openInterpreterAutoRe},
		}
	default:
		return &Extractor{
			patterns:     []*regexp.Regexp{fencedBlockRe},
			withFilename: []*regexp.Regexp{fencedBlockWithFileRe},
		}
	}
}

// Snippets returns every code block found in text, in match order per
// pattern.
func (e *Extractor) Snippets(text string) []Snippet {
	return e.collect(text, e.patterns)
}

// SnippetsWithPath returns only the blocks whose markup names a file.
func (e *Extractor) SnippetsWithPath(text string) []Snippet {
	var out []Snippet
	for _, s := range e.collect(text, e.withFilename) {
		if s.FilePath != "" {
			out = append(out, s)
		}
	}
	return out
}

// UniqueFilePaths returns the blocks that name a file, keyed by base
// filename, first occurrence wins.
func (e *Extractor) UniqueFilePaths(text string) map[string]Snippet {
	out := make(map[string]Snippet)
	for _, s := range e.SnippetsWithPath(text) {
		name := path.Base(s.FilePath)
		if _, ok := out[name]; !ok {
			out[name] = s
		}
	}
	return out
}

func (e *Extractor) collect(text string, patterns []*regexp.Regexp) []Snippet {
	var out []Snippet
	for _, re := range patterns {
		langIdx := re.SubexpIndex("language")
		fileIdx := re.SubexpIndex("filename")
		contentIdx := re.SubexpIndex("content")
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			var language, filename string
			if langIdx >= 0 {
				language = m[langIdx]
			}
			if fileIdx >= 0 {
				filename = m[fileIdx]
			}
			out = append(out, classify(language, filename, m[contentIdx]))
		}
	}
	return out
}

// classify resolves the ambiguity of the fenced-block header: a single
// word without extension after the backticks is a language identifier,
// not a filename.
func classify(language, filename, content string) Snippet {
	var lang string
	switch {
	case filename != "" && language == "" && !strings.Contains(filename, "."):
		lang = strings.ToLower(filename)
		if !knownLanguages[lang] {
			lang = shortLanguages[lang]
		}
		filename = ""
	default:
		if language != "" {
			word := strings.ToLower(strings.TrimSpace(language))
			if knownLanguages[word] {
				lang = word
			} else {
				lang = shortLanguages[word]
			}
		}
		if lang == "" && filename != "" {
			filename = strings.TrimSpace(filename)
			lang = extensionLanguages[strings.ToLower(path.Ext(filename))]
		}
	}

	// Same npm ecosystem; the package index has no typescript entries.
	if lang == "typescript" {
		lang = "javascript"
	}

	s := Snippet{Code: content, Language: lang, FilePath: filename}
	if s.FilePath != "" {
		s.Extension = strings.ToLower(path.Ext(s.FilePath))
	}
	return s
}

// RequestFilenames extracts the unique file paths referenced across the
// request, using the markup of the detected client. Open Interpreter
// sends file contents through tool-call round trips, so its pairs of
// tool call and tool result are scanned together.
func RequestFilenames(req *types.ChatRequest, client types.ClientType) map[string]struct{} {
	ex := ForClient(client)
	names := make(map[string]struct{})

	add := func(text string) {
		for _, s := range ex.SnippetsWithPath(text) {
			names[s.FilePath] = struct{}{}
		}
	}

	if client == types.ClientOpenInterpreter {
		for i := 0; i+1 < len(req.Messages); i++ {
			msg, next := req.Messages[i], req.Messages[i+1]
			if msg.Role != types.RoleAssistant || len(msg.ToolCalls) == 0 {
				continue
			}
			if next.Role != types.RoleTool || next.Content == "" {
				continue
			}
			add(string(msg.ToolCalls[0].Arguments) + "\n" + next.Content)
		}
		return names
	}

	for _, msg := range req.Messages {
		if msg.Role == types.RoleUser && msg.Content != "" {
			add(msg.Content)
		}
	}
	if req.Prompt != "" {
		add(req.Prompt)
	}
	return names
}
