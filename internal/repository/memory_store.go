package repository

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultMemoryTTL    = 24 * time.Hour
	memoryCleanupPeriod = 10 * time.Minute
)

// MemoryStore keeps tokens in process memory. Each read extends the entry's
// lifetime, so an active conversation never expires mid-session.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &MemoryStore{cache: cache.New(ttl, memoryCleanupPeriod)}
}

func (s *MemoryStore) Load(_ context.Context, sessionID, productID string) (string, bool, error) {
	if err := validateScope(sessionID, productID); err != nil {
		return "", false, err
	}
	key := MemoryKey(sessionID, productID)

	s.mu.Lock()
	defer s.mu.Unlock()
	x, found := s.cache.Get(key)
	if !found {
		return "", false, nil
	}
	token := x.(string)
	s.cache.Set(key, token, cache.DefaultExpiration)
	return token, true, nil
}

func (s *MemoryStore) Save(ctx context.Context, sessionID, productID, token string) error {
	if token == "" {
		return s.Clear(ctx, sessionID, productID)
	}
	if err := validateScope(sessionID, productID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(MemoryKey(sessionID, productID), token, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID, productID string) error {
	if err := validateScope(sessionID, productID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(MemoryKey(sessionID, productID))
	return nil
}

// Len reports the number of stored tokens, including ones not yet purged.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}
