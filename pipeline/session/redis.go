package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/codegate/internal/cache"
)

const redisKeyPrefix = "codegate:session:"

// RedisStore keeps substitution entries in Redis so they survive a gateway
// restart within the session TTL. Each session is one JSON document under
// codegate:session:<id>:substitutions; writes are read-modify-write under a
// store-level mutex, which is fine for a single-user gateway.
type RedisStore struct {
	cache *cache.Manager
	ttl   time.Duration
	mu    sync.Mutex
}

// NewRedisStore wraps an existing cache manager. ttl bounds how long a
// session's substitutions are retained after the last write; zero means the
// cache default.
func NewRedisStore(c *cache.Manager, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: c, ttl: ttl}
}

func redisKey(sessionID string) string {
	return redisKeyPrefix + sessionID + ":substitutions"
}

type redisDoc struct {
	Entries []Entry `json:"entries"`
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (*redisDoc, error) {
	var doc redisDoc
	err := s.cache.GetJSON(ctx, redisKey(sessionID), &doc)
	if cache.IsCacheMiss(err) {
		return &redisDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &doc, nil
}

func (s *RedisStore) save(ctx context.Context, sessionID string, doc *redisDoc) error {
	if err := s.cache.SetJSON(ctx, redisKey(sessionID), doc, s.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, sessionID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range doc.Entries {
		if doc.Entries[i].Placeholder == entry.Placeholder {
			doc.Entries[i] = entry
			return s.save(ctx, sessionID, doc)
		}
	}
	doc.Entries = append(doc.Entries, entry)
	return s.save(ctx, sessionID, doc)
}

// ByPlaceholder implements Store.
func (s *RedisStore) ByPlaceholder(ctx context.Context, sessionID, placeholder string) (Entry, bool, error) {
	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range doc.Entries {
		if e.Placeholder == placeholder {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// ByLiteral implements Store.
func (s *RedisStore) ByLiteral(ctx context.Context, sessionID string, origin Origin, literal string) (Entry, bool, error) {
	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range doc.Entries {
		if e.Origin == origin && e.Literal == literal {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Entries implements Store.
func (s *RedisStore) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Delete(ctx, redisKey(sessionID))
}

// Close implements Store. The underlying cache manager is shared and stays
// open; only this view is invalidated.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)
