// Package secrets detects and reversibly redacts credentials in request
// text before it leaves the machine. Detection combines a YAML catalog of
// issuer-specific token shapes with a Shannon-entropy fallback for opaque
// assignment values the catalog does not know.
package secrets

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var defaultSignaturesYAML []byte

// highEntropyThreshold is the Shannon entropy (bits/char) above which an
// assignment value is treated as a secret even without a catalog match.
const highEntropyThreshold = 4.0

// Match is one secret found in a line of text. Start and End are byte
// offsets within the line, before any boundary extension.
type Match struct {
	Service string // issuer group, e.g. "GitHub"
	Pattern string // pattern name within the group, e.g. "Access Token"
	Key     string // assignment key when the value sits in key=value form
	Value   string
	Line    int // 1-based
	Start   int
	End     int
}

// signatureGroup is one issuer's compiled patterns, in catalog order.
type signatureGroup struct {
	service  string
	patterns []compiledPattern
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Signatures is the compiled secret catalog. Safe for concurrent use after
// construction.
type Signatures struct {
	groups []signatureGroup
	logger *zap.Logger
}

// DefaultSignatures compiles the embedded catalog.
func DefaultSignatures(logger *zap.Logger) *Signatures {
	s, err := parseSignatures(defaultSignaturesYAML, logger)
	if err != nil {
		// The embedded file ships with the binary; failing to parse it is
		// a build defect.
		panic(fmt.Sprintf("embedded signatures are invalid: %v", err))
	}
	return s
}

// LoadSignatures compiles a catalog from a YAML file on disk.
func LoadSignatures(path string, logger *zap.Logger) (*Signatures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures file: %w", err)
	}
	s, err := parseSignatures(data, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signatures file %s: %w", path, err)
	}
	return s, nil
}

// parseSignatures decodes the issuer-grouped catalog:
//
//   - GitHub:
//   - Access Token: 'ghp_[A-Za-z0-9]{36}'
//
// Patterns that fail to compile are skipped with a warning so one bad
// entry cannot disable the whole catalog.
func parseSignatures(data []byte, logger *zap.Logger) (*Signatures, error) {
	logger = logger.With(zap.String("component", "signatures"))

	var raw []map[string][]map[string]string
	if err := yaml.Unmarshal(normalizeYAML(data), &raw); err != nil {
		return nil, fmt.Errorf("signature catalog must be a list of service groups: %w", err)
	}

	s := &Signatures{logger: logger}
	seen := make(map[string]bool)
	compiled := 0

	for _, item := range raw {
		for service, patterns := range item {
			if seen[service] {
				logger.Debug("duplicate signature group, skipping", zap.String("service", service))
				continue
			}
			seen[service] = true

			group := signatureGroup{service: service}
			for _, entry := range patterns {
				for name, pattern := range entry {
					if pattern == "" || strings.HasPrefix(pattern, "#") {
						continue
					}
					re, err := compileSignature(pattern)
					if err != nil {
						logger.Warn("skipping invalid signature pattern",
							zap.String("service", service),
							zap.String("pattern", name),
							zap.Error(err),
						)
						continue
					}
					group.patterns = append(group.patterns, compiledPattern{name: name, re: re})
					compiled++
				}
			}
			if len(group.patterns) > 0 {
				s.groups = append(s.groups, group)
			}
		}
	}

	logger.Info("signature catalog loaded",
		zap.Int("groups", len(s.groups)),
		zap.Int("patterns", compiled),
	)
	return s, nil
}

// normalizeYAML fixes the hand-edited-file issues that otherwise abort the
// YAML parser: tabs as indentation, a UTF-8 BOM, CR/CRLF line endings.
func normalizeYAML(data []byte) []byte {
	content := string(data)
	content = strings.ReplaceAll(content, "\t", "    ")
	content = strings.TrimPrefix(content, "\uFEFF")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	return []byte(content)
}

// compileSignature compiles a catalog pattern. A case-insensitivity flag
// anywhere in the pattern is hoisted to the front so it governs the whole
// expression, matching how catalog authors intend it.
func compileSignature(pattern string) (*regexp.Regexp, error) {
	if idx := strings.Index(pattern, "(?i)"); idx > 0 {
		pattern = "(?i)" + strings.ReplaceAll(pattern, "(?i)", "")
	}
	return regexp.Compile(pattern)
}

// FindInString scans text line by line and returns every secret found, in
// document order. Duplicate key:value pairs are reported once.
func (s *Signatures) FindInString(text string) []Match {
	if text == "" {
		return nil
	}

	var matches []Match
	found := make(map[string]bool)

	for lineNum, line := range splitLines(text) {
		matches = append(matches, s.findPatternMatches(line, lineNum+1, found)...)
		matches = append(matches, s.findHighEntropyMatches(line, lineNum+1, found)...)
	}
	return matches
}

func (s *Signatures) findPatternMatches(line string, lineNum int, found map[string]bool) []Match {
	var matches []Match
	for _, group := range s.groups {
		for _, p := range group.patterns {
			for _, loc := range p.re.FindAllStringIndex(line, -1) {
				value := line[loc[0]:loc[1]]
				key := extractKey(line, value)
				dedupe := key + ":" + value
				if strings.EqualFold(value, "token") || found[dedupe] {
					continue
				}
				found[dedupe] = true
				matches = append(matches, Match{
					Service: group.service,
					Pattern: p.name,
					Key:     key,
					Value:   value,
					Line:    lineNum,
					Start:   loc[0],
					End:     loc[1],
				})
			}
		}
	}
	return matches
}

// assignmentRe captures key = "value" forms whose value is long enough and
// drawn from the usual credential alphabet. Group 1 is the key, group 2 the
// bare value.
var assignmentRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=\s*["']?([A-Za-z0-9_\-.+/=]{8,})["']?`)

func (s *Signatures) findHighEntropyMatches(line string, lineNum int, found map[string]bool) []Match {
	var matches []Match
	for _, loc := range assignmentRe.FindAllStringSubmatchIndex(line, -1) {
		key := line[loc[2]:loc[3]]
		word := line[loc[4]:loc[5]]
		dedupe := key + ":" + word
		if found[dedupe] || strings.HasPrefix(word, "REDACTED") {
			continue
		}
		if shannonEntropy(word) < highEntropyThreshold {
			continue
		}
		found[dedupe] = true
		matches = append(matches, Match{
			Service: "High Entropy",
			Pattern: "Potential Secret",
			Key:     key,
			Value:   word,
			Line:    lineNum,
			Start:   loc[4],
			End:     loc[5],
		})
	}
	return matches
}

// extractKey returns the identifier on the left of a key=value assignment
// containing the secret, or "" when the value is free-standing.
func extractKey(line, value string) string {
	re, err := regexp.Compile(`([A-Za-z_][A-Za-z0-9_]*)\s*=\s*["']?` + regexp.QuoteMeta(value) + `["']?`)
	if err != nil {
		return ""
	}
	if m := re.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// shannonEntropy returns the Shannon entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// splitLines splits on \n only. CR bytes stay inside their line so match
// offsets remain valid byte positions in the original text.
func splitLines(text string) []string {
	return strings.Split(text, "\n")
}
