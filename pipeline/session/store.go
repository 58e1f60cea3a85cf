// Package session manages the per-session reversible substitution state
// used by the redaction pipeline. Every detected secret or PII literal is
// replaced with an opaque placeholder before the request leaves the
// gateway; the mapping placeholder ⇄ literal lives here so the response
// path can restore the original bytes.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreClosed = errors.New("session store closed")
)

// Origin identifies which detector produced a substitution.
type Origin string

const (
	OriginSecret Origin = "secret"
	OriginPII    Origin = "pii"
)

// Entry is one reversible substitution scoped to a session. The literal is
// kept only for the lifetime of the session and is wiped on cleanup.
type Entry struct {
	Placeholder  string    `json:"placeholder"`
	Literal      string    `json:"literal"`
	Origin       Origin    `json:"origin"`
	Subtype      string    `json:"subtype"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Store persists substitution entries keyed by session id. Implementations
// must be safe for concurrent use: redact steps write, unredact steps read,
// and cleanup may run from a different goroutine.
type Store interface {
	// Put records one substitution for the session.
	Put(ctx context.Context, sessionID string, entry Entry) error

	// ByPlaceholder returns the entry whose placeholder matches exactly.
	ByPlaceholder(ctx context.Context, sessionID, placeholder string) (Entry, bool, error)

	// ByLiteral returns the entry for a literal already substituted in this
	// session, so the same value maps to the same placeholder.
	ByLiteral(ctx context.Context, sessionID string, origin Origin, literal string) (Entry, bool, error)

	// Entries returns all substitutions recorded for the session.
	Entries(ctx context.Context, sessionID string) ([]Entry, error)

	// Clear removes every entry for the session and wipes the stored
	// literals where the backend allows it.
	Clear(ctx context.Context, sessionID string) error

	// Close releases backend resources. All sessions are cleared.
	Close() error
}
