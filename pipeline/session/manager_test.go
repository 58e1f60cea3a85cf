package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/internal/cache"
)

// --- placeholder surface forms ---

func TestNewPlaceholder_Forms(t *testing.T) {
	secret := NewPlaceholder(OriginSecret)
	assert.True(t, strings.HasPrefix(secret, SecretPrefix))
	assert.Len(t, secret, MaxPlaceholderLen)

	pii := NewPlaceholder(OriginPII)
	assert.True(t, strings.HasPrefix(pii, "<"))
	assert.True(t, strings.HasSuffix(pii, ">"))
	assert.Len(t, pii, 38)
}

func TestFindPlaceholders(t *testing.T) {
	secret := NewPlaceholder(OriginSecret)
	pii := NewPlaceholder(OriginPII)
	text := "key " + secret + " and mail " + pii + " end"

	spans := FindPlaceholders(text)
	require.Len(t, spans, 2)
	assert.Equal(t, secret, text[spans[0][0]:spans[0][1]])
	assert.Equal(t, pii, text[spans[1][0]:spans[1][1]])
}

func TestFindPlaceholders_IgnoresNonUUID(t *testing.T) {
	// Prefix without a UUID body, and angle brackets around ordinary text,
	// must not be treated as placeholders.
	spans := FindPlaceholders("REDACTED_not-a-uuid and <thinking> markers")
	assert.Empty(t, spans)
}

// --- manager over the memory store ---

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(), zap.NewNop())
}

func TestManager_RedactAndRestore(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	placeholder, err := m.Redact(ctx, "s1", OriginSecret, "github_token", "ghp_secret123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(placeholder, SecretPrefix))

	literal, ok := m.Literal(ctx, "s1", placeholder)
	require.True(t, ok)
	assert.Equal(t, "ghp_secret123", literal)

	restored, n := m.Restore(ctx, "s1", "your token is "+placeholder+".")
	assert.Equal(t, "your token is ghp_secret123.", restored)
	assert.Equal(t, 1, n)
}

func TestManager_Redact_ReusesPlaceholder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Redact(ctx, "s1", OriginPII, "email", "bob@example.com")
	require.NoError(t, err)

	second, err := m.Redact(ctx, "s1", OriginPII, "email", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, first, second, "same literal in the same session reuses its placeholder")
}

func TestManager_Redact_SessionScoped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p1, err := m.Redact(ctx, "s1", OriginSecret, "aws", "AKIA123")
	require.NoError(t, err)
	p2, err := m.Redact(ctx, "s2", OriginSecret, "aws", "AKIA123")
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2, "placeholders are scoped per session")

	// s2's placeholder is unknown inside s1
	_, ok := m.Literal(ctx, "s1", p2)
	assert.False(t, ok)
}

func TestManager_Restore_UnknownPlaceholderUntouched(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	unknown := NewPlaceholder(OriginSecret)
	restored, n := m.Restore(ctx, "s1", "value "+unknown)
	assert.Equal(t, "value "+unknown, restored)
	assert.Zero(t, n)
}

func TestManager_Restore_MultipleOccurrences(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p, err := m.Redact(ctx, "s1", OriginSecret, "token", "tok-1")
	require.NoError(t, err)

	restored, n := m.Restore(ctx, "s1", p+" twice "+p)
	assert.Equal(t, "tok-1 twice tok-1", restored)
	assert.Equal(t, 2, n)
}

func TestManager_Cleanup(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()

	p, err := m.Redact(ctx, "s1", OriginSecret, "token", "tok-1")
	require.NoError(t, err)
	require.Equal(t, 1, store.Len("s1"))

	require.NoError(t, m.Cleanup(ctx, "s1"))
	assert.Zero(t, store.Len("s1"))

	_, ok := m.Literal(ctx, "s1", p)
	assert.False(t, ok, "placeholder must not resolve after cleanup")
}

// --- memory store ---

func TestMemoryStore_Entries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", Entry{
		Placeholder: "REDACTED_x", Literal: "lit", Origin: OriginSecret,
		Subtype: "token", DiscoveredAt: time.Now(),
	}))

	entries, err := store.Entries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lit", entries[0].Literal)
	assert.Equal(t, OriginSecret, entries[0].Origin)
}

func TestMemoryStore_CloseRejectsUse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Close())

	err := store.Put(ctx, "s1", Entry{Placeholder: "p", Literal: "l"})
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, _, err = store.ByPlaceholder(ctx, "s1", "p")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

// --- redis store ---

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	manager, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return NewRedisStore(manager, time.Minute)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	entry := Entry{
		Placeholder:  "REDACTED_abc",
		Literal:      "ghp_secret",
		Origin:       OriginSecret,
		Subtype:      "github_token",
		DiscoveredAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put(ctx, "s1", entry))

	got, ok, err := store.ByPlaceholder(ctx, "s1", "REDACTED_abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ghp_secret", got.Literal)

	got, ok, err = store.ByLiteral(ctx, "s1", OriginSecret, "ghp_secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "REDACTED_abc", got.Placeholder)
}

func TestRedisStore_ClearRemovesSession(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "s1", Entry{Placeholder: "p1", Literal: "l1", Origin: OriginPII}))
	require.NoError(t, store.Clear(ctx, "s1"))

	entries, err := store.Entries(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisStore_ManagerIntegration(t *testing.T) {
	store := newTestRedisStore(t)
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()

	p, err := m.Redact(ctx, "s1", OriginPII, "email", "alice@example.com")
	require.NoError(t, err)

	restored, n := m.Restore(ctx, "s1", "contact: "+p)
	assert.Equal(t, "contact: alice@example.com", restored)
	assert.Equal(t, 1, n)
}
