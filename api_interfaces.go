package cache

import "context"

// ReadAPI exposes read-oriented cache operations.
type ReadAPI interface {
	Get(ctx context.Context, reference, scope string) ([]byte, bool, error)
}

// WriteAPI exposes write and invalidation operations.
type WriteAPI interface {
	Set(ctx context.Context, reference, scope string, value []byte, class TTLClass) (bool, error)
	Delete(ctx context.Context, reference, scope string) error
	FlushReload(ctx context.Context, reference, scope string) error
}

// ComputeAPI exposes compute-on-miss helpers.
type ComputeAPI interface {
	Remember(ctx context.Context, reference, scope string, class TTLClass, fn func(context.Context) ([]byte, error)) ([]byte, error)
}

// LifecycleAPI exposes scope teardown and shutdown.
type LifecycleAPI interface {
	PurgeScope(ctx context.Context, reference, scope string) (int, error)
	Close() error
}

// API is the full surface of Manager, for callers that want to substitute it in
// tests.
type API interface {
	ReadAPI
	WriteAPI
	ComputeAPI
	LifecycleAPI
}

var _ API = (*Manager)(nil)
