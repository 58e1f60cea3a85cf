package extract

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"
)

// Location records where a package identifier was seen. Free-text
// mentions carry more intent than an import buried in pasted code, so
// the intelligence step treats them differently.
type Location string

const (
	LocationCodeImport Location = "code_import"
	LocationManifest   Location = "manifest"
	LocationFreeText   Location = "free_text"
)

// Package ecosystems as the intelligence index names them.
const (
	EcosystemPyPI   = "pypi"
	EcosystemNPM    = "npm"
	EcosystemGo     = "go"
	EcosystemCrates = "crates"
	EcosystemJava   = "java"
)

// Package is one identifier recovered from code, a manifest, or prose.
type Package struct {
	Ecosystem string
	Name      string
	Location  Location
}

// EcosystemForLanguage maps a snippet language to its package registry.
// Returns "" for languages without one.
func EcosystemForLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "python":
		return EcosystemPyPI
	case "javascript", "typescript":
		return EcosystemNPM
	case "go":
		return EcosystemGo
	case "rust":
		return EcosystemCrates
	case "java":
		return EcosystemJava
	}
	return ""
}

var (
	pythonImportRe     = regexp.MustCompile(`(?m)^\s*import\s+(.+)$`)
	pythonFromImportRe = regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)

	goImportSingleRe = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`)
	goImportBlockRe  = regexp.MustCompile(`(?s)import\s*\(([^)]*)\)`)
	goImportLineRe   = regexp.MustCompile(`(?m)^\s*(?:[\w.]+\s+)?"([^"]+)"`)

	jsImportFromRe = regexp.MustCompile(`\bfrom\s+['"]([^'"]+)['"]`)
	jsImportBareRe = regexp.MustCompile(`(?m)^\s*import\s+['"]([^'"]+)['"]`)
	jsRequireRe    = regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`)

	javaImportRe = regexp.MustCompile(`(?m)^\s*import\s+(?:static\s+)?([\w.]+)\s*;`)

	rustUseRe = regexp.MustCompile(`(?m)^\s*(?:pub\s+)?use\s+([A-Za-z_][\w:]*)`)
)

// Imports extracts the imported package names from a code snippet in the
// given language. Names are returned in first-seen order, deduplicated.
// Python names are reduced to their root module and Rust paths to their
// root crate; other languages keep the identifier as written.
func Imports(code, language string) []string {
	if code == "" {
		return nil
	}

	var names []string
	switch strings.ToLower(language) {
	case "python":
		for _, m := range pythonImportRe.FindAllStringSubmatch(code, -1) {
			for _, clause := range strings.Split(m[1], ",") {
				name := strings.TrimSpace(clause)
				if i := strings.Index(name, " "); i >= 0 { // strip "as alias"
					name = name[:i]
				}
				if name != "" {
					names = append(names, rootOf(name, "."))
				}
			}
		}
		for _, m := range pythonFromImportRe.FindAllStringSubmatch(code, -1) {
			names = append(names, rootOf(m[1], "."))
		}
	case "go":
		for _, m := range goImportSingleRe.FindAllStringSubmatch(code, -1) {
			names = append(names, m[1])
		}
		for _, block := range goImportBlockRe.FindAllStringSubmatch(code, -1) {
			for _, m := range goImportLineRe.FindAllStringSubmatch(block[1], -1) {
				names = append(names, m[1])
			}
		}
	case "javascript", "typescript":
		for _, re := range []*regexp.Regexp{jsImportFromRe, jsImportBareRe, jsRequireRe} {
			for _, m := range re.FindAllStringSubmatch(code, -1) {
				names = append(names, m[1])
			}
		}
	case "java":
		for _, m := range javaImportRe.FindAllStringSubmatch(code, -1) {
			names = append(names, m[1])
		}
	case "rust":
		for _, m := range rustUseRe.FindAllStringSubmatch(code, -1) {
			names = append(names, rootOf(m[1], "::"))
		}
	default:
		return nil
	}

	return dedupe(names)
}

// FromSnippet extracts package identifiers from a snippet: manifest
// entries when the file path names a known manifest, import statements
// otherwise.
func FromSnippet(s Snippet) []Package {
	if s.FilePath != "" {
		if pkgs := ManifestPackages(path.Base(s.FilePath), s.Code); pkgs != nil {
			return pkgs
		}
	}
	eco := EcosystemForLanguage(s.Language)
	if eco == "" {
		return nil
	}
	var out []Package
	for _, name := range Imports(s.Code, s.Language) {
		out = append(out, Package{Ecosystem: eco, Name: name, Location: LocationCodeImport})
	}
	return out
}

var (
	requirementNameRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)`)
	goModRequireRe    = regexp.MustCompile(`(?m)^require\s+(\S+)\s+v`)
	goModBlockRe      = regexp.MustCompile(`(?s)require\s*\(([^)]*)\)`)
	goModLineRe       = regexp.MustCompile(`(?m)^\s*(\S+)\s+v\d`)
	tomlSectionRe     = regexp.MustCompile(`(?m)^\[([^\]]+)\]`)
	tomlKeyRe         = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9._-]+)\s*=`)
	pepRequirementRe  = regexp.MustCompile(`['"]([A-Za-z0-9][A-Za-z0-9._-]*)[^'"]*['"]`)
)

// ManifestPackages parses a dependency manifest by base filename.
// Unknown filenames return nil so callers can fall back to import
// extraction.
func ManifestPackages(filename, content string) []Package {
	switch {
	case filename == "package.json":
		return npmManifest(content)
	case filename == "go.mod":
		return goModManifest(content)
	case filename == "pyproject.toml":
		return pyprojectManifest(content)
	case filename == "Cargo.toml":
		return cargoManifest(content)
	case strings.HasPrefix(filename, "requirements") && strings.HasSuffix(filename, ".txt"):
		return requirementsManifest(content)
	}
	return nil
}

func requirementsManifest(content string) []Package {
	var out []Package
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if m := requirementNameRe.FindStringSubmatch(line); m != nil {
			out = append(out, Package{Ecosystem: EcosystemPyPI, Name: m[1], Location: LocationManifest})
		}
	}
	return out
}

func npmManifest(content string) []Package {
	var manifest struct {
		Dependencies         map[string]string `json:"dependencies"`
		DevDependencies      map[string]string `json:"devDependencies"`
		PeerDependencies     map[string]string `json:"peerDependencies"`
		OptionalDependencies map[string]string `json:"optionalDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return nil
	}
	var out []Package
	seen := make(map[string]bool)
	for _, deps := range []map[string]string{
		manifest.Dependencies,
		manifest.DevDependencies,
		manifest.PeerDependencies,
		manifest.OptionalDependencies,
	} {
		for name := range deps {
			if !seen[name] {
				seen[name] = true
				out = append(out, Package{Ecosystem: EcosystemNPM, Name: name, Location: LocationManifest})
			}
		}
	}
	return out
}

func goModManifest(content string) []Package {
	var names []string
	for _, m := range goModRequireRe.FindAllStringSubmatch(content, -1) {
		if m[1] != "(" {
			names = append(names, m[1])
		}
	}
	for _, block := range goModBlockRe.FindAllStringSubmatch(content, -1) {
		for _, m := range goModLineRe.FindAllStringSubmatch(block[1], -1) {
			names = append(names, m[1])
		}
	}
	var out []Package
	for _, name := range dedupe(names) {
		out = append(out, Package{Ecosystem: EcosystemGo, Name: name, Location: LocationManifest})
	}
	return out
}

// pyprojectManifest reads PEP 621 dependency arrays and poetry dependency
// tables with line-level patterns; a full TOML parse buys nothing here
// since only the names matter.
func pyprojectManifest(content string) []Package {
	var names []string
	for _, section := range tomlSections(content) {
		switch {
		case strings.HasPrefix(section.name, "tool.poetry") && strings.HasSuffix(section.name, "dependencies"):
			for _, m := range tomlKeyRe.FindAllStringSubmatch(section.body, -1) {
				if m[1] != "python" {
					names = append(names, m[1])
				}
			}
		case section.name == "project":
			if i := strings.Index(section.body, "dependencies"); i >= 0 {
				for _, m := range pepRequirementRe.FindAllStringSubmatch(section.body[i:], -1) {
					names = append(names, m[1])
				}
			}
		}
	}
	var out []Package
	for _, name := range dedupe(names) {
		out = append(out, Package{Ecosystem: EcosystemPyPI, Name: name, Location: LocationManifest})
	}
	return out
}

func cargoManifest(content string) []Package {
	var names []string
	for _, section := range tomlSections(content) {
		if !strings.HasSuffix(section.name, "dependencies") {
			continue
		}
		for _, m := range tomlKeyRe.FindAllStringSubmatch(section.body, -1) {
			names = append(names, m[1])
		}
	}
	var out []Package
	for _, name := range dedupe(names) {
		out = append(out, Package{Ecosystem: EcosystemCrates, Name: name, Location: LocationManifest})
	}
	return out
}

type tomlSection struct {
	name string
	body string
}

func tomlSections(content string) []tomlSection {
	headers := tomlSectionRe.FindAllStringSubmatchIndex(content, -1)
	sections := make([]tomlSection, 0, len(headers))
	for i, h := range headers {
		end := len(content)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		sections = append(sections, tomlSection{
			name: content[h[2]:h[3]],
			body: content[h[1]:end],
		})
	}
	return sections
}

// Install-command mentions in prose. A user asking to install a package
// is the strongest signal the request is about that package. Only the
// first name after the command is taken; additional names in the same
// command are still caught by the prose-mention check in the
// intelligence step.
var installCommandRes = []struct {
	re        *regexp.Regexp
	ecosystem string
}{
	{regexp.MustCompile(`(?:pip3?|python\s+-m\s+pip)\s+install\s+([A-Za-z0-9._-]+)`), EcosystemPyPI},
	{regexp.MustCompile(`(?:npm\s+(?:install|i|add)|yarn\s+add|pnpm\s+add)\s+(@?[A-Za-z0-9._/-]+)`), EcosystemNPM},
	{regexp.MustCompile(`go\s+(?:get|install)\s+([A-Za-z0-9._/-]+)`), EcosystemGo},
	{regexp.MustCompile(`cargo\s+add\s+([A-Za-z0-9._-]+)`), EcosystemCrates},
}

// InstallCommands extracts package names from install commands found in
// free text.
func InstallCommands(text string) []Package {
	var out []Package
	seen := make(map[string]bool)
	for _, ic := range installCommandRes {
		for _, m := range ic.re.FindAllStringSubmatch(text, -1) {
			name := strings.TrimRight(m[1], ".") // sentence punctuation
			if i := strings.IndexAny(name, "=<>@"); i > 0 {
				name = name[:i]
			}
			key := ic.ecosystem + ":" + name
			if !seen[key] {
				seen[key] = true
				out = append(out, Package{Ecosystem: ic.ecosystem, Name: name, Location: LocationFreeText})
			}
		}
	}
	return out
}

// Bare prose mentions. "Is it safe to use invokehttp?" names no ecosystem
// and no install command, but the user is still asking about that package;
// the intelligence index decides which tokens actually are packages.
// Common English words are filtered so ordinary prose does not turn every
// sentence into index lookups.
var proseTokenRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9._@/-]{2,}`)

// maxProseMentions bounds index lookups per message.
const maxProseMentions = 50

var proseStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true,
	"with": true, "this": true, "that": true, "these": true, "those": true,
	"what": true, "when": true, "where": true, "which": true, "while": true,
	"how": true, "why": true, "who": true, "can": true, "could": true,
	"should": true, "would": true, "will": true, "are": true, "was": true,
	"were": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "doing": true,
	"not": true, "but": true, "all": true, "any": true, "some": true,
	"use": true, "using": true, "used": true, "safe": true, "secure": true,
	"package": true, "packages": true, "library": true, "libraries": true,
	"module": true, "modules": true, "dependency": true, "dependencies": true,
	"install": true, "installing": true, "installed": true, "version": true,
	"code": true, "file": true, "files": true, "function": true,
	"functions": true, "error": true, "errors": true, "please": true,
	"help": true, "about": true, "from": true, "into": true, "want": true,
	"need": true, "like": true, "make": true, "just": true, "also": true,
	"only": true, "there": true, "here": true, "them": true, "they": true,
	"then": true, "than": true, "one": true, "two": true, "new": true,
	"get": true, "set": true, "run": true, "running": true, "add": true,
	"see": true, "way": true, "work": true, "works": true, "working": true,
	"write": true, "writing": true, "read": true, "good": true, "best": true,
	"better": true, "question": true, "example": true, "tell": true,
	"know": true, "think": true, "thanks": true, "yes": true, "don": true,
	"instead": true, "something": true, "anything": true, "because": true,
	"recommend": true, "recommended": true, "alternative": true,
	"alternatives": true, "project": true, "snippet": true, "still": true,
}

// ProseMentions extracts candidate package names from the text the user
// actually wrote. The ecosystem is unknown at this point, so lookups run
// across all of them.
func ProseMentions(prose string) []Package {
	var out []Package
	seen := make(map[string]bool)
	for _, tok := range proseTokenRe.FindAllString(prose, -1) {
		name := strings.Trim(tok, "._@/-") // sentence punctuation
		lower := strings.ToLower(name)
		if len(lower) < 3 || proseStopwords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, Package{Name: name, Location: LocationFreeText})
		if len(out) == maxProseMentions {
			break
		}
	}
	return out
}

func rootOf(name, sep string) string {
	if i := strings.Index(name, sep); i >= 0 {
		return name[:i]
	}
	return name
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
