package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type role string

const (
	rolePrimary  role = "primary"
	roleFallback role = "fallback"
)

type openFunc func(ctx context.Context, kind Kind, primary bool) (Backend, error)

// Registry owns the primary and fallback backends of one Manager. Backend kinds are
// fixed at construction; connections are opened on first use. A backend that fails
// to open is replaced by a placeholder reporting every call as unavailable, and the
// open is retried on a later use once its backoff has elapsed. Concurrent callers
// share one in-flight open and each waits only as long as its own context allows.
type Registry struct {
	open        openFunc
	openTimeout time.Duration
	logger      *zap.Logger
	newRetry    func() backoff.BackOff

	primary  slot
	fallback slot
	closed   atomic.Bool
}

type slot struct {
	role role
	kind Kind

	mu      sync.Mutex
	backend Backend
	healthy bool
	retry   backoff.BackOff
	retryAt time.Time
	// opening is non-nil while an open is in flight and closed when it ends.
	opening chan struct{}
}

// NewRegistry validates cfg and returns a registry that opens the configured kinds
// lazily. An unknown kind fails with ErrUnsupportedBackend. Injected backends get
// the same value shaping, encryption and breaker as opened ones.
func NewRegistry(cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		open: func(ctx context.Context, kind Kind, primary bool) (Backend, error) {
			return openBackend(ctx, kind, primary, cfg)
		},
		openTimeout: cfg.OpenTimeout,
		logger:      cfg.Logger,
		newRetry:    newOpenRetry,
		primary:     slot{role: rolePrimary, kind: cfg.Backend},
		fallback:    slot{role: roleFallback, kind: cfg.Fallback},
	}
	if cfg.PrimaryBackend != nil {
		b, err := decorate(cfg.PrimaryBackend, true, cfg)
		if err != nil {
			return nil, err
		}
		r.primary.inject(b)
	}
	if cfg.FallbackBackend != nil {
		b, err := decorate(cfg.FallbackBackend, false, cfg)
		if err != nil {
			return nil, err
		}
		r.fallback.inject(b)
	}
	return r, nil
}

// NewRegistryWith wraps already opened backends. The registry takes ownership and
// closes them in CloseAll.
func NewRegistryWith(primary, fallback Backend) (*Registry, error) {
	if primary == nil || fallback == nil {
		return nil, errors.New("cache: registry requires primary and fallback backends")
	}
	return NewRegistry(Config{
		Backend:         primary.Kind(),
		Fallback:        fallback.Kind(),
		PrimaryBackend:  primary,
		FallbackBackend: fallback,
	})
}

func newOpenRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Primary returns the primary backend, opening it if needed. It fails with ErrClosed
// after CloseAll, or with the context's error when ctx ends while an open is
// pending; the open itself carries on in the background.
func (r *Registry) Primary(ctx context.Context) (Backend, error) {
	return r.resolve(ctx, &r.primary)
}

// Fallback returns the fallback backend, opening it if needed. It fails like
// Primary.
func (r *Registry) Fallback(ctx context.Context) (Backend, error) {
	return r.resolve(ctx, &r.fallback)
}

// PrimaryKind and FallbackKind report the configured kinds without opening anything.
func (r *Registry) PrimaryKind() Kind  { return r.primary.kind }
func (r *Registry) FallbackKind() Kind { return r.fallback.kind }

func (r *Registry) backend(ctx context.Context, which role) (Backend, error) {
	if which == rolePrimary {
		return r.Primary(ctx)
	}
	return r.Fallback(ctx)
}

func (r *Registry) resolve(ctx context.Context, s *slot) (Backend, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if r.closed.Load() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.healthy || (s.backend != nil && time.Now().Before(s.retryAt)) {
		b := s.backend
		s.mu.Unlock()
		return b, nil
	}
	if s.opening == nil {
		s.opening = make(chan struct{})
		go r.openSlot(context.WithoutCancel(ctx), s, s.opening)
	}
	opening := s.opening
	s.mu.Unlock()

	select {
	case <-opening:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed.Load() || s.backend == nil {
		return nil, ErrClosed
	}
	return s.backend, nil
}

// openSlot opens the backend of s and publishes the result, closing done once the
// slot holds either the backend or a placeholder. The open is bounded by the open
// timeout, never by a caller's context.
func (r *Registry) openSlot(ctx context.Context, s *slot, done chan struct{}) {
	openCtx, cancel := context.WithTimeout(ctx, r.openTimeout)
	b, err := r.open(openCtx, s.kind, s.role == rolePrimary)
	cancel()

	s.mu.Lock()
	defer func() {
		s.opening = nil
		close(done)
		s.mu.Unlock()
	}()

	if r.closed.Load() {
		if err == nil {
			if cerr := b.Close(); cerr != nil {
				r.logger.Warn("cache backend close failed",
					zap.String("role", string(s.role)),
					zap.String("backend", string(s.kind)),
					zap.Error(cerr))
			}
		}
		return
	}
	if err != nil {
		if s.retry == nil {
			s.retry = r.newRetry()
		}
		wait := s.retry.NextBackOff()
		if wait == backoff.Stop {
			wait = 0
		}
		s.retryAt = time.Now().Add(wait)
		s.backend = newErrorBackend(s.kind, err)
		r.logger.Warn("cache backend open failed",
			zap.String("role", string(s.role)),
			zap.String("backend", string(s.kind)),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		return
	}
	if s.retry != nil {
		s.retry.Reset()
	}
	s.backend = b
	s.healthy = true
}

func (s *slot) inject(b Backend) {
	s.kind = b.Kind()
	s.backend = b
	s.healthy = true
}

// CloseAll closes every opened backend and prevents further opens. Later calls are
// no-ops.
func (r *Registry) CloseAll() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(r.primary.close(), r.fallback.close())
}

// Closed reports whether CloseAll has run.
func (r *Registry) Closed() bool { return r.closed.Load() }

func (s *slot) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil || !s.healthy {
		s.backend = nil
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	s.healthy = false
	return err
}

func (r *Registry) kindOf(which role) Kind {
	if which == rolePrimary {
		return r.primary.kind
	}
	return r.fallback.kind
}
