package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/layercache/cache/cachecore"
)

// TTLClass selects how long an entry lives.
type TTLClass int

const (
	// Dynamic entries live for Config.TTLDynamic. It is the zero value.
	Dynamic TTLClass = iota
	// Static entries live for Config.TTLStatic.
	Static
)

func (c TTLClass) validate() error {
	switch c {
	case Dynamic, Static:
		return nil
	default:
		return cachecore.Invalid("unknown ttl class %d", int(c))
	}
}

func (c TTLClass) String() string {
	switch c {
	case Dynamic:
		return "dynamic"
	case Static:
		return "static"
	default:
		return fmt.Sprintf("TTLClass(%d)", int(c))
	}
}

// Manager is the cache facade. Every write goes to both the primary and the fallback
// backend and every read falls back when the primary misses or is unavailable.
// Backend failures never reach the caller; only invalid input does.
//
// A Manager is safe for concurrent use. It keeps no entries itself.
type Manager struct {
	keys       *KeyCodec
	dispatch   *dispatcher
	lifecycle  *Lifecycle
	ttlStatic  time.Duration
	ttlDynamic time.Duration
	codec      Codec
	logger     *zap.Logger
}

// New builds a Manager from cfg. Nothing is connected until first use. It fails
// with ErrUnsupportedBackend for an unknown kind, ErrMisconfiguredSalt for a
// production config without a salt, and ErrInvalidArgument for missing connection
// parameters.
// @group Constructors
//
// Example: local process cache
//
//	m, _ := cache.New(cache.Config{Backend: cache.KindLocal, FileDir: os.TempDir()})
//	defer m.Close()
//	_, _ = m.Set(ctx, "profile", "", []byte("Jane"), cache.Dynamic)
//	v, ok, _ := m.Get(ctx, "profile", "")
//	fmt.Println(ok, string(v)) // true Jane
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	salt, err := cfg.resolveSalt()
	if err != nil {
		return nil, err
	}
	if salt == insecureSalt {
		cfg.Logger.Warn("cache key salt is not configured; using the development default")
	}
	keys := NewKeyCodec(cfg.Namespace, salt)
	d := &dispatcher{
		registry:        registry,
		primaryTimeout:  cfg.PrimaryTimeout,
		fallbackTimeout: cfg.FallbackTimeout,
		logger:          cfg.Logger,
		observer:        cfg.Observer,
	}
	return &Manager{
		keys:       keys,
		dispatch:   d,
		lifecycle:  &Lifecycle{keys: keys, dispatch: d},
		ttlStatic:  cfg.TTLStatic,
		ttlDynamic: cfg.TTLDynamic,
		codec:      cfg.Codec,
		logger:     cfg.Logger,
	}, nil
}

// NewWith builds a Manager for the primary kind and a set of functional options.
// @group Constructors
//
// Example: redis primary with a sqlite fallback
//
//	m, err := cache.NewWith(cache.KindKeyValue,
//		cache.WithRedisAddr("127.0.0.1:6379", "", 0),
//		cache.WithSQL("sqlite", "file:/var/cache/app.db", ""),
//		cache.WithFallback(cache.KindSQL),
//		cache.WithSalt(os.Getenv("CACHE_SALT")),
//	)
func NewWith(kind Kind, opts ...Option) (*Manager, error) {
	cfg := Config{Backend: kind}
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return New(cfg)
}

// Keys returns the codec deriving this manager's keys.
func (m *Manager) Keys() *KeyCodec { return m.keys }

// Registry returns the backends of this manager.
func (m *Manager) Registry() *Registry { return m.dispatch.registry }

// Lifecycle returns the connection lifecycle of this manager.
func (m *Manager) Lifecycle() *Lifecycle { return m.lifecycle }

// Get returns the value stored for reference and scope. The primary answers first;
// on a miss or failure the fallback is read. An empty scope means no scope.
// @group Manager
//
// Example: scoped read
//
//	_, _ = m.Set(ctx, "profile", "user1", []byte("v1"), cache.Dynamic)
//	v, ok, _ := m.Get(ctx, "profile", "user1")
//	fmt.Println(ok, string(v)) // true v1
func (m *Manager) Get(ctx context.Context, reference, scope string) ([]byte, bool, error) {
	key, err := m.keys.StorageKey(reference, scope)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	read := func(ctx context.Context, b Backend) (bool, error) {
		v, ok, err := b.Get(ctx, key)
		if ok && err == nil {
			value = v
		}
		return ok, err
	}
	if hit, _ := m.dispatch.call(ctx, rolePrimary, "get", key, read); hit {
		return value, true, nil
	}
	if hit, _ := m.dispatch.call(ctx, roleFallback, "get", key, read); hit {
		return value, true, nil
	}
	return nil, false, nil
}

// Set writes value to the primary and the fallback in parallel with the TTL of
// class. It reports whether at least one of them stored it.
// @group Manager
//
// Example: long lived entry
//
//	ok, _ := m.Set(ctx, "countries", "", payload, cache.Static)
//	fmt.Println(ok) // true
func (m *Manager) Set(ctx context.Context, reference, scope string, value []byte, class TTLClass) (bool, error) {
	key, err := m.keys.StorageKey(reference, scope)
	if err != nil {
		return false, err
	}
	ttl, err := m.ttlFor(class)
	if err != nil {
		return false, err
	}
	if value == nil {
		value = []byte{}
	}
	write := func(ctx context.Context, b Backend) (bool, error) {
		return b.Set(ctx, key, value, ttl)
	}

	var primaryOK, fallbackOK bool
	var g errgroup.Group
	g.Go(func() error {
		primaryOK, _ = m.dispatch.call(ctx, rolePrimary, "set", key, write)
		return nil
	})
	g.Go(func() error {
		fallbackOK, _ = m.dispatch.call(ctx, roleFallback, "set", key, write)
		return nil
	})
	_ = g.Wait()
	if !primaryOK && !fallbackOK {
		m.logger.Warn("cache entry not stored by any backend", zap.String("key", key))
	}
	return primaryOK || fallbackOK, nil
}

// Delete removes the entry from both backends. Backend failures are logged; the
// error is non-nil only for invalid input. Deleting a missing entry is not an error.
// @group Manager
func (m *Manager) Delete(ctx context.Context, reference, scope string) error {
	key, err := m.keys.StorageKey(reference, scope)
	if err != nil {
		return err
	}
	remove := func(ctx context.Context, b Backend) (bool, error) {
		return true, b.Delete(ctx, key)
	}
	var g errgroup.Group
	g.Go(func() error {
		_, _ = m.dispatch.call(ctx, rolePrimary, "delete", key, remove)
		return nil
	})
	g.Go(func() error {
		_, _ = m.dispatch.call(ctx, roleFallback, "delete", key, remove)
		return nil
	})
	_ = g.Wait()
	return nil
}

// FlushReload drops the entry so the next read misses and the caller recomputes
// it. It does not repopulate anything itself.
// @group Manager
func (m *Manager) FlushReload(ctx context.Context, reference, scope string) error {
	return m.Delete(ctx, reference, scope)
}

// Remember returns the cached value or computes, stores and returns it when
// missing. A failed store does not fail the call.
// @group Manager
//
// Example: compute on miss
//
//	v, err := m.Remember(ctx, "report", "tenant-7", cache.Dynamic, func(ctx context.Context) ([]byte, error) {
//		return buildReport(ctx)
//	})
func (m *Manager) Remember(ctx context.Context, reference, scope string, class TTLClass, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if fn == nil {
		return nil, cachecore.Invalid("remember requires a callback")
	}
	body, ok, err := m.Get(ctx, reference, scope)
	if err != nil {
		return nil, err
	}
	if ok {
		return body, nil
	}
	body, err = fn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.Set(ctx, reference, scope, body, class); err != nil {
		return nil, err
	}
	return body, nil
}

// PurgeScope removes every entry of the group reference and scope belong to and
// returns how many fallback entries were removed.
// @group Lifecycle
func (m *Manager) PurgeScope(ctx context.Context, reference, scope string) (int, error) {
	return m.lifecycle.PurgeScope(ctx, reference, scope)
}

// Close releases every backend connection. It is safe to call more than once;
// calls made afterwards degrade to misses.
// @group Lifecycle
func (m *Manager) Close() error {
	return m.lifecycle.CloseAll()
}

func (m *Manager) ttlFor(class TTLClass) (time.Duration, error) {
	if err := class.validate(); err != nil {
		return 0, err
	}
	if class == Static {
		return m.ttlStatic, nil
	}
	return m.ttlDynamic, nil
}
