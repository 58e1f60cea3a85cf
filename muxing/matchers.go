package muxing

import (
	"path"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stacklok/codegate/extract"
	"github.com/stacklok/codegate/types"
)

// Subject is the view of one request the matchers evaluate. Filenames
// are extracted once per request and shared across every rule.
type Subject struct {
	Kind      types.RequestKind
	Filenames []string
}

// NewSubject captures the matchable facts of a request. The client type
// picks the snippet markup the filename extraction understands.
func NewSubject(req *types.ChatRequest, client types.ClientType) Subject {
	names := extract.RequestFilenames(req, client)
	sub := Subject{Kind: req.Kind, Filenames: make([]string, 0, len(names))}
	for name := range names {
		sub.Filenames = append(sub.Filenames, name)
	}
	return sub
}

// matches evaluates one rule against the subject. Invalid patterns were
// rejected when the table was built, so match errors cannot occur here.
func (r Rule) matches(sub Subject) bool {
	switch r.Matcher {
	case MatcherCatchAll:
		return true
	case MatcherFilename:
		for _, name := range sub.Filenames {
			if ok, _ := doublestar.Match(r.Pattern, name); ok {
				return true
			}
			// "*.py" should hit src/app.py: a single star does not
			// cross separators, so try the base name as well.
			if ok, _ := doublestar.Match(r.Pattern, path.Base(name)); ok {
				return true
			}
		}
		return false
	case MatcherRequestType:
		return types.RequestKind(r.Pattern) == sub.Kind
	default:
		return false
	}
}
