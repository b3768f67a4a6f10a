package descriptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one cached descriptor set with its source fingerprint.
type Entry struct {
	Key               string       `json:"key"`
	Descriptors       []Descriptor `json:"descriptors"`
	SourceFingerprint string       `json:"source_fingerprint"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Store is keyed descriptor storage. Writes are last-writer-wins; the
// cache is rebuilt deterministically from source content, so stale
// reads heal on the next Status check.
type Store interface {
	// Get returns the entry for key, or nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry Entry) error
	Clear(ctx context.Context, key string) error
}

// ProfileKey is the cache key for a user's profile descriptor.
func ProfileKey(userID string) string {
	return "profile:" + userID
}

// ClassroomKey is the cache key for a department's classroom descriptors.
func ClassroomKey(departmentID string) string {
	return "classroom:" + departmentID
}

// MemoryStore is an in-process Store for dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns the entry for key, or nil.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := e
	cp.Descriptors = append([]Descriptor(nil), e.Descriptors...)
	return &cp, nil
}

// Put stores or overwrites an entry.
func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	if entry.Key == "" {
		return errors.New("entry key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

// Clear removes an entry; clearing a missing key is not an error.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RedisStore persists entries as JSON values under a shared prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "attendgate:descriptor:"}
}

// Get returns the entry for key, or nil.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("descriptor get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("descriptor decode: %w", err)
	}
	return &entry, nil
}

// Put stores or overwrites an entry.
func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return errors.New("entry key required")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("descriptor encode: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+entry.Key, raw, 0).Err(); err != nil {
		return fmt.Errorf("descriptor put: %w", err)
	}
	return nil
}

// Clear removes an entry; clearing a missing key is not an error.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("descriptor clear: %w", err)
	}
	return nil
}
