package cachecore

import (
	"context"
	"time"
)

// Backend is the capability set every cache store implements.
//
// Get reports a miss as (nil, false, nil). Set reports a store-side rejection (for
// example an oversize value) as (false, nil). Delete of a missing key is not an error.
// Close is idempotent. ScanPrefix returns the logical keys starting with prefix; the
// result is finite and the call may be repeated.
//
// Infrastructure faults are returned as errors matching ErrBackendUnavailable.
type Backend interface {
	Kind() Kind
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
