package intel

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/config"
	"github.com/stacklok/codegate/extract"
	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/types"
)

const blockHeader = "CodeGate detected one or more malicious, deprecated or archived packages."

// ecosystemLabels phrase the ecosystem for the context injected into the
// request.
var ecosystemLabels = map[string]string{
	extract.EcosystemPyPI:   "Python package available on PyPI",
	extract.EcosystemNPM:    "JavaScript package available on NPM",
	extract.EcosystemGo:     "Go package",
	extract.EcosystemCrates: "Rust package available on Crates",
	extract.EcosystemJava:   "Java package",
}

var statusWarnings = map[string]string{
	StatusArchived:   "However, this package is found to be archived and no longer maintained.",
	StatusDeprecated: "However, this package is found to be deprecated and no longer recommended for use.",
	StatusMalicious:  "However, this package is found to be malicious and must not be used.",
}

// Step checks every package the request mentions against the
// intelligence index. Known-bad packages raise alerts; when the user is
// asking about a malicious package directly, the step answers locally
// with a warning instead of letting the request reach the model.
type Step struct {
	index  *Index
	prompt string // context preamble from the prompt catalog
	logger *zap.Logger
}

// NewStep creates the intelligence step.
func NewStep(index *Index, prompts *config.Prompts, logger *zap.Logger) *Step {
	return &Step{
		index:  index,
		prompt: strings.TrimSpace(prompts.Get("package_context")),
		logger: logger.With(zap.String("component", "package_intel")),
	}
}

// Name implements pipeline.Step.
func (s *Step) Name() string { return "package-intelligence" }

// finding pairs an extracted identifier with its index hit.
type finding struct {
	pkg     extract.Package
	match   Match
	snippet string // code block the identifier came from, if any
}

// Process implements pipeline.Step.
func (s *Step) Process(ctx context.Context, req *types.ChatRequest, ictx *pipeline.Context) (*pipeline.Outcome, error) {
	text, msgIdx, ok := req.LastUserMessage()
	if !ok {
		return pipeline.Continue(req), nil
	}

	snippets := extract.ForClient(ictx.Client).Snippets(text)
	prose := proseOf(text, snippets)
	findings := s.collectFindings(ctx, text, prose, snippets)
	if len(findings) == 0 {
		return pipeline.Continue(req), nil
	}

	var offending []finding
	blocking := false
	for _, f := range findings {
		switch f.match.Status {
		case StatusMalicious:
			ictx.AddAlert(pipeline.Alert{
				Step:          s.Name(),
				TriggerType:   pipeline.TriggerMaliciousPackage,
				TriggerString: f.pkg.Ecosystem + "/" + f.pkg.Name,
				CodeSnippet:   f.snippet,
				Category:      pipeline.CategoryCritical,
			})
			offending = append(offending, f)
			if s.isAssistanceRequest(f, prose) {
				blocking = true
			}
		case StatusDeprecated:
			ictx.AddAlert(pipeline.Alert{
				Step:          s.Name(),
				TriggerType:   pipeline.TriggerDeprecatedPackage,
				TriggerString: f.pkg.Ecosystem + "/" + f.pkg.Name,
				CodeSnippet:   f.snippet,
			})
			offending = append(offending, f)
		case StatusArchived:
			ictx.AddAlert(pipeline.Alert{
				Step:          s.Name(),
				TriggerType:   pipeline.TriggerArchivedPackage,
				TriggerString: f.pkg.Ecosystem + "/" + f.pkg.Name,
				CodeSnippet:   f.snippet,
			})
			offending = append(offending, f)
		}
	}

	if blocking {
		s.logger.Info("request answered locally",
			zap.String("prompt_id", ictx.ID),
			zap.Int("packages", len(offending)),
		)
		return pipeline.ReplyNow(&types.ChatResponse{
			ID:           uuid.NewString(),
			Model:        req.Model,
			Created:      time.Now().Unix(),
			Content:      blockMessage(offending),
			FinishReason: "stop",
		}), nil
	}

	// Not blocking: fold what the index knows into the request so the
	// model can warn the user itself.
	if s.prompt != "" && msgIdx >= 0 && len(offending) > 0 {
		req.Messages[msgIdx].Content = s.contextFor(offending) + "\n\n" + text
		s.logger.Debug("package context injected",
			zap.String("prompt_id", ictx.ID),
			zap.Int("packages", len(offending)),
		)
	}

	return pipeline.Continue(req), nil
}

// collectFindings extracts candidate identifiers and resolves them
// against the index, deduplicated by ecosystem and name. Candidates come
// from three places: imports and manifests inside code snippets, install
// commands in the prose, and bare prose mentions ("is invokehttp safe?")
// whose ecosystem only the index hit can supply.
func (s *Step) collectFindings(ctx context.Context, text, prose string, snippets []extract.Snippet) []finding {
	type candidate struct {
		pkg     extract.Package
		snippet string
	}
	var candidates []candidate
	for _, sn := range snippets {
		for _, pkg := range extract.FromSnippet(sn) {
			candidates = append(candidates, candidate{pkg: pkg, snippet: sn.Code})
		}
	}
	for _, pkg := range extract.InstallCommands(text) {
		candidates = append(candidates, candidate{pkg: pkg})
	}
	for _, pkg := range extract.ProseMentions(prose) {
		candidates = append(candidates, candidate{pkg: pkg})
	}

	seen := make(map[string]bool)
	var findings []finding
	for _, c := range candidates {
		key := c.pkg.Ecosystem + ":" + strings.ToLower(c.pkg.Name)
		if seen[key] {
			continue
		}
		seen[key] = true

		match, ok := s.index.Lookup(ctx, c.pkg.Name, c.pkg.Ecosystem)
		if !ok || match.Status == StatusOK {
			continue
		}
		if c.pkg.Ecosystem == "" {
			// Report the index's canonical identity, not the typed
			// token: a near-miss spelling resolves to the record it hit.
			c.pkg.Ecosystem = match.Ecosystem
			c.pkg.Name = match.Name
			resolved := c.pkg.Ecosystem + ":" + strings.ToLower(c.pkg.Name)
			if seen[resolved] {
				continue
			}
			seen[resolved] = true
		}
		findings = append(findings, finding{pkg: c.pkg, match: match, snippet: c.snippet})
	}
	return findings
}

// isAssistanceRequest reports whether the user is asking about the
// package itself: they name it in prose or ask to install it, rather
// than it merely appearing inside pasted code.
func (s *Step) isAssistanceRequest(f finding, prose string) bool {
	if f.pkg.Location == extract.LocationFreeText {
		return true
	}
	return strings.Contains(strings.ToLower(prose), strings.ToLower(f.pkg.Name))
}

// blockMessage lists each offending package with its advisory link.
func blockMessage(offending []finding) string {
	sort.Slice(offending, func(i, j int) bool {
		return offending[i].pkg.Name < offending[j].pkg.Name
	})

	var b strings.Builder
	b.WriteString(blockHeader)
	b.WriteString("\n\n")
	for _, f := range offending {
		fmt.Fprintf(&b, "- `%s` (%s) is %s: %s\n",
			f.pkg.Name, f.pkg.Ecosystem, f.match.Status, advisoryURL(f.pkg.Ecosystem, f.pkg.Name))
	}
	return b.String()
}

func advisoryURL(ecosystem, name string) string {
	return fmt.Sprintf("https://www.insight.stacklok.com/report/%s/%s?utm_source=codegate",
		ecosystem, url.QueryEscape(name))
}

// contextFor renders the index knowledge in the shape the prompt catalog
// preamble announces.
func (s *Step) contextFor(findings []finding) string {
	var b strings.Builder
	b.WriteString(s.prompt)
	b.WriteString("\n")
	for _, f := range findings {
		label, ok := ecosystemLabels[f.pkg.Ecosystem]
		if !ok {
			label = "package of unknown type"
		}
		fmt.Fprintf(&b, "%s is a %s.", f.pkg.Name, label)
		if warning := statusWarnings[f.match.Status]; warning != "" {
			fmt.Fprintf(&b, " %s For additional information refer to https://trustypkg.dev/%s/%s",
				warning, f.pkg.Ecosystem, url.PathEscape(f.pkg.Name))
		}
		if f.match.Description != "" {
			fmt.Fprintf(&b, " - Package offers this functionality: %s", f.match.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// proseOf strips snippet bodies out of the message, leaving the text the
// user actually wrote.
func proseOf(text string, snippets []extract.Snippet) string {
	for _, sn := range snippets {
		if sn.Code != "" {
			text = strings.ReplaceAll(text, sn.Code, "")
		}
	}
	return text
}
