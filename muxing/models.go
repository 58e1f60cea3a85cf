// Package muxing routes requests to upstream provider endpoints using
// per-workspace rule tables. Rules are evaluated in order; the first
// matching rule decides the destination endpoint and model.
package muxing

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stacklok/codegate/types"
)

// MatcherType names the supported rule predicates.
type MatcherType string

const (
	// MatcherCatchAll matches every request.
	MatcherCatchAll MatcherType = "catch_all"
	// MatcherFilename matches when a file path referenced by the request
	// satisfies the rule's glob pattern.
	MatcherFilename MatcherType = "filename_match"
	// MatcherRequestType matches the request kind ("chat", "fim",
	// "completion", "embeddings").
	MatcherRequestType MatcherType = "request_type_match"
)

// Valid reports whether m names a supported matcher.
func (m MatcherType) Valid() bool {
	switch m {
	case MatcherCatchAll, MatcherFilename, MatcherRequestType:
		return true
	}
	return false
}

// Endpoint is the upstream a route points at, resolved from the provider
// registry when the rule table is built.
type Endpoint struct {
	ID      string
	Name    string
	Kind    types.ProviderKind
	BaseURL string
	APIKey  string
}

// Route is the destination a matched rule resolves to.
type Route struct {
	Endpoint Endpoint
	Model    string
}

// Rule pairs a matcher with its destination. Rules are held in the
// order they should be tried.
type Rule struct {
	ID      string
	Matcher MatcherType
	// Pattern is interpreted per matcher: a doublestar glob for
	// filename_match, a request kind for request_type_match, ignored
	// for catch_all.
	Pattern string
	Route   Route
}

// ErrNoRoute is returned when no rule of the workspace matches the
// request. The gateway maps it to HTTP 400.
var ErrNoRoute = errors.New("no mux rule matches the request")

// Validate checks the rule is well formed: known matcher type and a
// usable pattern for the types that need one.
func (r Rule) Validate() error {
	switch r.Matcher {
	case MatcherCatchAll:
		return nil
	case MatcherFilename:
		if r.Pattern == "" {
			return errors.New("filename_match rule needs a glob pattern")
		}
		if !doublestar.ValidatePattern(r.Pattern) {
			return fmt.Errorf("invalid glob pattern %q", r.Pattern)
		}
		return nil
	case MatcherRequestType:
		switch types.RequestKind(r.Pattern) {
		case types.KindChat, types.KindFIM, types.KindCompletion, types.KindEmbeddings:
			return nil
		}
		return fmt.Errorf("request_type_match rule needs a known request kind, got %q", r.Pattern)
	default:
		return fmt.Errorf("unknown matcher type %q", r.Matcher)
	}
}
