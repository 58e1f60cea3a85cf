package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecretPrefix marks secret placeholders so clients and the unredact scanner
// can recognize them by prefix.
const SecretPrefix = "REDACTED_"

// MaxPlaceholderLen is the longest placeholder either origin can produce:
// "REDACTED_" plus a canonical UUID (9 + 36 bytes). The streaming unredact
// step sizes its boundary holdback from this.
const MaxPlaceholderLen = len(SecretPrefix) + 36

const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

// placeholderRe matches both placeholder surface forms: REDACTED_<uuid> for
// secrets and <uuid> for PII. Neither form is a substring of the other
// because the angle brackets and the prefix are disjoint.
var placeholderRe = regexp.MustCompile(SecretPrefix + uuidPattern + `|<` + uuidPattern + `>`)

// FindPlaceholders returns the byte-index pairs of every placeholder-shaped
// token in text, in order.
func FindPlaceholders(text string) [][]int {
	return placeholderRe.FindAllStringIndex(text, -1)
}

// NewPlaceholder mints a fresh placeholder for the given origin.
func NewPlaceholder(origin Origin) string {
	id := uuid.NewString()
	if origin == OriginSecret {
		return SecretPrefix + id
	}
	return "<" + id + ">"
}

// Manager is the session-scoped front of the substitution store. Redact
// steps call Redact to allocate placeholders; the unredact step calls
// Restore to map them back.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "session")),
	}
}

// Redact returns the placeholder standing in for literal within the session,
// reusing the existing one when the same literal was seen before. A fresh
// placeholder is re-rolled on the (absurdly unlikely) chance it already maps
// to a different literal.
func (m *Manager) Redact(ctx context.Context, sessionID string, origin Origin, subtype, literal string) (string, error) {
	if existing, ok, err := m.store.ByLiteral(ctx, sessionID, origin, literal); err != nil {
		return "", err
	} else if ok {
		return existing.Placeholder, nil
	}

	var placeholder string
	for attempt := 0; ; attempt++ {
		placeholder = NewPlaceholder(origin)
		_, taken, err := m.store.ByPlaceholder(ctx, sessionID, placeholder)
		if err != nil {
			return "", err
		}
		if !taken {
			break
		}
		if attempt >= 4 {
			return "", fmt.Errorf("could not allocate unique placeholder for session %s", sessionID)
		}
	}

	entry := Entry{
		Placeholder:  placeholder,
		Literal:      literal,
		Origin:       origin,
		Subtype:      subtype,
		DiscoveredAt: time.Now().UTC(),
	}
	if err := m.store.Put(ctx, sessionID, entry); err != nil {
		return "", err
	}

	m.logger.Debug("allocated placeholder",
		zap.String("session_id", sessionID),
		zap.String("origin", string(origin)),
		zap.String("subtype", subtype),
	)
	return placeholder, nil
}

// Literal resolves a placeholder back to its original value.
func (m *Manager) Literal(ctx context.Context, sessionID, placeholder string) (string, bool) {
	entry, ok, err := m.store.ByPlaceholder(ctx, sessionID, placeholder)
	if err != nil {
		m.logger.Warn("placeholder lookup failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}
	return entry.Literal, true
}

// Restore rewrites every known placeholder in text back to its literal and
// reports how many substitutions were made. Placeholder-shaped tokens that
// are not in the session map are left untouched.
func (m *Manager) Restore(ctx context.Context, sessionID, text string) (string, int) {
	spans := FindPlaceholders(text)
	if len(spans) == 0 {
		return text, 0
	}

	var b strings.Builder
	b.Grow(len(text))
	restored := 0
	last := 0
	for _, span := range spans {
		b.WriteString(text[last:span[0]])
		candidate := text[span[0]:span[1]]
		if literal, ok := m.Literal(ctx, sessionID, candidate); ok {
			b.WriteString(literal)
			restored++
		} else {
			b.WriteString(candidate)
		}
		last = span[1]
	}
	b.WriteString(text[last:])
	return b.String(), restored
}

// Entries lists every substitution recorded for a session.
func (m *Manager) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	return m.store.Entries(ctx, sessionID)
}

// Cleanup drops all substitution state for a session. Called when the
// session retargets a different workspace and on shutdown.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	if err := m.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Debug("session substitutions cleared", zap.String("session_id", sessionID))
	return nil
}

// Close wipes every session and releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
