package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layercache/cache/cachecore"
)

const redisScanCount = 200

// RedisClient captures the subset of redis.Client used by the store.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

type redisStore struct {
	client      RedisClient
	prefix      string
	closeClient bool
	closeOnce   sync.Once
	closeErr    error
	closed      chan struct{}
}

// newRedisStore wraps client. When owned is true, Close also closes the client.
func newRedisStore(client RedisClient, prefix string, owned bool) *redisStore {
	if prefix == "" {
		prefix = defaultNamespace
	}
	return &redisStore{
		client:      client,
		prefix:      prefix,
		closeClient: owned,
		closed:      make(chan struct{}),
	}
}

func dialRedis(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func (s *redisStore) Kind() Kind { return KindKeyValue }

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, cachecore.Unavailable(KindKeyValue, "get", err)
	}
	value, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, cachecore.Unavailable(KindKeyValue, "get", err)
	}
	return value, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(); err != nil {
		return false, cachecore.Unavailable(KindKeyValue, "set", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.cacheKey(key), value, ttl).Err(); err != nil {
		return false, cachecore.Unavailable(KindKeyValue, "set", err)
	}
	return true, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return cachecore.Unavailable(KindKeyValue, "delete", err)
	}
	return cachecore.Unavailable(KindKeyValue, "delete", s.client.Del(ctx, s.cacheKey(key)).Err())
}

func (s *redisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, cachecore.Unavailable(KindKeyValue, "scan", err)
	}
	pattern := escapeRedisGlob(s.cacheKey(prefix)) + "*"
	strip := s.prefix + ":"
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, cachecore.Unavailable(KindKeyValue, "scan", err)
		}
		for _, full := range batch {
			keys = append(keys, strings.TrimPrefix(full, strip))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close releases the client only when this store owns it. Repeated calls are no-ops.
func (s *redisStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closeClient && s.client != nil {
			if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

func (s *redisStore) ready() error {
	if s.client == nil {
		return errors.New("redis cache client unavailable")
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (s *redisStore) cacheKey(key string) string {
	return s.prefix + ":" + key
}

var redisGlobEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeRedisGlob(s string) string {
	return redisGlobEscaper.Replace(s)
}
