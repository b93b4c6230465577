package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/layercache/cache/cachecore"
)

// dispatcher runs single backend calls for the manager and the lifecycle: it
// resolves the backend, bounds the call with the role's timeout, reports it to the
// observer and logs absorbed failures.
type dispatcher struct {
	registry        *Registry
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	logger          *zap.Logger
	observer        Observer
}

type backendCall func(ctx context.Context, b Backend) (bool, error)

// call returns the hit flag of fn. A non-nil error has already been logged and is
// always an unavailability; callers only use it to tell a failure from a miss.
func (d *dispatcher) call(ctx context.Context, which role, op, key string, fn backendCall) (bool, error) {
	b, err := d.registry.backend(ctx, which)
	if err != nil {
		kind := d.registry.kindOf(which)
		err = cachecore.Unavailable(kind, op, err)
		d.absorb(which, kind, op, key, err)
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout(which))
	defer cancel()
	start := time.Now()
	hit, err := fn(callCtx, b)
	if err != nil {
		hit = false
		err = cachecore.Unavailable(b.Kind(), op, err)
	}
	d.observe(ctx, op, key, hit, err, time.Since(start), b.Kind())
	if err != nil {
		d.absorb(which, b.Kind(), op, key, err)
	}
	return hit, err
}

func (d *dispatcher) timeout(which role) time.Duration {
	if which == rolePrimary {
		return d.primaryTimeout
	}
	return d.fallbackTimeout
}

func (d *dispatcher) absorb(which role, kind Kind, op, key string, err error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("role", string(which)),
		zap.String("backend", string(kind)),
		zap.String("key", key),
		zap.Bool("timeout", cachecore.IsTimeout(err)),
		zap.Error(err),
	}
	if errors.Is(err, ErrClosed) {
		d.logger.Debug("cache backend closed", fields...)
		return
	}
	d.logger.Warn("cache backend call failed", fields...)
}

func (d *dispatcher) observe(ctx context.Context, op, key string, hit bool, err error, dur time.Duration, kind Kind) {
	if d.observer == nil {
		return
	}
	d.observer.OnCacheOp(ctx, op, key, hit, err, dur, kind)
}
