package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/layercache/cache/cachecore"
)

// breakerBackend short-circuits a failing primary. Only unavailability counts as a
// failure; misses and not-stored results keep the breaker closed. While open, every
// call fails fast as unavailable so the manager goes straight to the fallback.
type breakerBackend struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

func newBreakerBackend(inner Backend, failures uint32, cooldown time.Duration, logger *zap.Logger) Backend {
	if failures == 0 {
		return inner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        string(inner.Kind()),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrBackendUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("cache circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &breakerBackend{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerBackend) Kind() Kind { return b.inner.Kind() }

func (b *breakerBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := b.run("get", func() error {
		var err error
		value, ok, err = b.inner.Get(ctx, key)
		return err
	})
	return value, ok, err
}

func (b *breakerBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var stored bool
	err := b.run("set", func() error {
		var err error
		stored, err = b.inner.Set(ctx, key, value, ttl)
		return err
	})
	return stored, err
}

func (b *breakerBackend) Delete(ctx context.Context, key string) error {
	return b.run("delete", func() error {
		return b.inner.Delete(ctx, key)
	})
}

func (b *breakerBackend) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.run("scan", func() error {
		var err error
		keys, err = b.inner.ScanPrefix(ctx, prefix)
		return err
	})
	return keys, err
}

func (b *breakerBackend) Close() error { return b.inner.Close() }

func (b *breakerBackend) run(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return cachecore.Unavailable(b.inner.Kind(), op, err)
	}
	return err
}

// state is exposed for tests.
func (b *breakerBackend) state() gobreaker.State { return b.cb.State() }
