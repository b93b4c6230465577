package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/layercache/cache/cachecore"
)

// memoryStore is the local-process backend. Entries live in this process only.
type memoryStore struct {
	cache  *gocache.Cache
	closed atomic.Bool
}

func newMemoryStore(defaultTTL, cleanupInterval time.Duration) *memoryStore {
	if defaultTTL <= 0 {
		defaultTTL = defaultTTLDynamic
	}
	if cleanupInterval <= 0 {
		cleanupInterval = defaultMemoryCleanupInterval
	}
	return &memoryStore{cache: gocache.New(defaultTTL, cleanupInterval)}
}

func (s *memoryStore) Kind() Kind { return KindLocal }

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, cachecore.Unavailable(KindLocal, "get", ErrClosed)
	}
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		s.cache.Delete(key)
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, cachecore.Unavailable(KindLocal, "set", ErrClosed)
	}
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.cache.Set(key, cloneBytes(value), ttl)
	return true, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return cachecore.Unavailable(KindLocal, "delete", ErrClosed)
	}
	s.cache.Delete(key)
	return nil
}

func (s *memoryStore) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, cachecore.Unavailable(KindLocal, "scan", ErrClosed)
	}
	var keys []string
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *memoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cache.Flush()
	}
	return nil
}
