// Package cachefake provides an in-memory cachecore.Backend with call counting and
// fault injection for tests of code built on a cache manager.
package cachefake

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layercache/cache/cachecore"
)

// Op identifies a backend operation for assertions.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpScan   Op = "scan"
	OpClose  Op = "close"
)

// ErrInjected is the cause carried by injected unavailability.
var ErrInjected = errors.New("cachefake: injected failure")

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Backend is a deterministic in-memory backend. The zero value is not usable; call
// New.
type Backend struct {
	kind cachecore.Kind

	mu      sync.Mutex
	entries map[string]entry
	counts  map[Op]map[string]int
	fail    map[Op]bool
	reject  bool
	latency time.Duration
	closed  bool
}

// New returns an empty backend reporting kind.
func New(kind cachecore.Kind) *Backend {
	return &Backend{
		kind:    kind,
		entries: make(map[string]entry),
		counts:  make(map[Op]map[string]int),
		fail:    make(map[Op]bool),
	}
}

// FailAll makes every operation except Close report unavailability while on.
func (b *Backend) FailAll(on bool) {
	for _, op := range []Op{OpGet, OpSet, OpDelete, OpScan} {
		b.Fail(op, on)
	}
}

// Fail makes op report unavailability while on.
func (b *Backend) Fail(op Op, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[op] = on
}

// RejectWrites makes Set report not stored without an error while on.
func (b *Backend) RejectWrites(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = on
}

// SetLatency delays every operation by d, or until the call's context ends.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// Len returns the number of live entries.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range b.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Kind() cachecore.Kind { return b.kind }

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.begin(ctx, OpGet, key); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := b.begin(ctx, OpSet, key); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reject {
		return false, nil
	}
	e := entry{value: append([]byte{}, value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	b.entries[key] = e
	return true, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.begin(ctx, OpDelete, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *Backend) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := b.begin(ctx, OpScan, prefix); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, e := range b.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count(OpClose, "")
	b.closed = true
	return nil
}

func (b *Backend) begin(ctx context.Context, op Op, key string) error {
	b.mu.Lock()
	b.count(op, key)
	latency := b.latency
	failing := b.fail[op]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return cachecore.Unavailable(b.kind, string(op), cachecore.ErrClosed)
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return cachecore.Unavailable(b.kind, string(op), ctx.Err())
		case <-timer.C:
		}
	}
	if failing {
		return cachecore.Unavailable(b.kind, string(op), ErrInjected)
	}
	return nil
}

func (b *Backend) count(op Op, key string) {
	if b.counts[op] == nil {
		b.counts[op] = make(map[string]int)
	}
	b.counts[op][key]++
}

// Reset clears recorded counts.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = make(map[Op]map[string]int)
}

// Count returns calls for op+key.
func (b *Backend) Count(op Op, key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[op][key]
}

// Total returns total calls for an op across keys.
func (b *Backend) Total(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sum int
	for _, v := range b.counts[op] {
		sum += v
	}
	return sum
}

// AssertCalled verifies key was touched by op the expected number of times.
func (b *Backend) AssertCalled(t *testing.T, op Op, key string, times int) {
	t.Helper()
	if got := b.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures key was never touched by op.
func (b *Backend) AssertNotCalled(t *testing.T, op Op, key string) {
	t.Helper()
	if got := b.Count(op, key); got != 0 {
		t.Fatalf("expected %s %q not called, got %d", op, key, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (b *Backend) AssertTotal(t *testing.T, op Op, times int) {
	t.Helper()
	if got := b.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
