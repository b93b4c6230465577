package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layercache/cache/cachefake"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *cachefake.Backend, *cachefake.Backend) {
	t.Helper()
	primary := cachefake.New(KindLocal)
	fallback := cachefake.New(KindFile)
	base := []Option{WithBackends(primary, fallback), WithSalt("test-salt")}
	m, err := NewWith(KindLocal, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, primary, fallback
}

func storageKey(t *testing.T, m *Manager, reference, scope string) string {
	t.Helper()
	key, err := m.Keys().StorageKey(reference, scope)
	if err != nil {
		t.Fatalf("storage key: %v", err)
	}
	return key
}

func TestManagerRoundTrip(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic)
	if err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("unexpected get: ok=%v body=%q err=%v", ok, body, err)
	}
	key := storageKey(t, m, "profile", "")
	primary.AssertCalled(t, cachefake.OpSet, key, 1)
	fallback.AssertCalled(t, cachefake.OpSet, key, 1)
	fallback.AssertNotCalled(t, cachefake.OpGet, key)
}

func TestManagerMiss(t *testing.T) {
	m, _, _ := newTestManager(t)
	body, ok, err := m.Get(context.Background(), "never-set", "")
	if err != nil || ok || body != nil {
		t.Fatalf("expected miss; ok=%v body=%q err=%v", ok, body, err)
	}
}

func TestManagerScopesAreIndependent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Set(ctx, "profile", "user1", []byte("v1"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := m.Set(ctx, "profile", "user2", []byte("v2"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	for scope, want := range map[string]string{"user1": "v1", "user2": "v2"} {
		body, ok, err := m.Get(ctx, "profile", scope)
		if err != nil || !ok || string(body) != want {
			t.Fatalf("scope %s: ok=%v body=%q err=%v", scope, ok, body, err)
		}
	}
	if _, ok, _ := m.Get(ctx, "profile", ""); ok {
		t.Fatalf("expected unscoped reference to miss")
	}
}

func TestManagerFallbackServesWhenPrimaryUnavailable(t *testing.T) {
	m, primary, _ := newTestManager(t)
	ctx := context.Background()
	primary.FailAll(true)

	ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic)
	if err != nil || !ok {
		t.Fatalf("expected fallback write to count; ok=%v err=%v", ok, err)
	}
	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("expected fallback read; ok=%v body=%q err=%v", ok, body, err)
	}
}

func TestManagerFallbackServesPrimaryMiss(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	key := storageKey(t, m, "profile", "")
	if err := primary.Delete(ctx, key); err != nil {
		t.Fatalf("evict primary: %v", err)
	}

	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("expected fallback hit; ok=%v body=%q err=%v", ok, body, err)
	}
	fallback.AssertCalled(t, cachefake.OpGet, key, 1)
	// Reads do not repopulate the primary.
	if _, ok, _ := primary.Get(ctx, key); ok {
		t.Fatalf("expected primary to stay empty")
	}
}

func TestManagerBothUnavailable(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	ctx := context.Background()
	primary.FailAll(true)
	fallback.FailAll(true)

	if ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil || ok {
		t.Fatalf("expected not stored without error; ok=%v err=%v", ok, err)
	}
	if _, ok, err := m.Get(ctx, "profile", ""); err != nil || ok {
		t.Fatalf("expected miss without error; ok=%v err=%v", ok, err)
	}
	if err := m.Delete(ctx, "profile", ""); err != nil {
		t.Fatalf("expected delete to absorb failures, got %v", err)
	}
}

func TestManagerBothRejectWrites(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	primary.RejectWrites(true)
	fallback.RejectWrites(true)

	ok, err := m.Set(context.Background(), "profile", "", []byte("Jane"), Static)
	if err != nil || ok {
		t.Fatalf("expected not stored; ok=%v err=%v", ok, err)
	}
}

func TestManagerDeleteIsIdempotent(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Set(ctx, "profile", "user1", []byte("v"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Delete(ctx, "profile", "user1"); err != nil {
			t.Fatalf("delete %d failed: %v", i, err)
		}
	}
	if _, ok, _ := m.Get(ctx, "profile", "user1"); ok {
		t.Fatalf("expected miss after delete")
	}
	if primary.Len() != 0 || fallback.Len() != 0 {
		t.Fatalf("expected both backends empty, got %d and %d", primary.Len(), fallback.Len())
	}
}

func TestManagerFlushReload(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Set(ctx, "countries", "", []byte("old"), Static); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := m.FlushReload(ctx, "countries", ""); err != nil {
		t.Fatalf("flush reload: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "countries", ""); ok {
		t.Fatalf("expected miss after flush reload")
	}
}

func TestManagerPrimaryTimeout(t *testing.T) {
	m, primary, _ := newTestManager(t, WithTimeouts(20*time.Millisecond, time.Second))
	ctx := context.Background()
	if _, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	primary.SetLatency(time.Second)

	start := time.Now()
	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("expected fallback after primary timeout; ok=%v body=%q err=%v", ok, body, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected primary timeout to bound the read, took %v", elapsed)
	}
}

func TestManagerInvalidInput(t *testing.T) {
	m, primary, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Get(ctx, "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid empty reference, got %v", err)
	}
	if _, err := m.Set(ctx, "bad\xff", "", []byte("v"), Dynamic); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid utf-8 reference, got %v", err)
	}
	if err := m.Delete(ctx, "profile", "bad\xff"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid utf-8 scope, got %v", err)
	}
	if _, err := m.Set(ctx, "profile", "", []byte("v"), TTLClass(7)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid ttl class, got %v", err)
	}
	primary.AssertTotal(t, cachefake.OpSet, 0)
}

func TestManagerTTLClasses(t *testing.T) {
	m, _, _ := newTestManager(t, WithTTLs(time.Hour, 30*time.Millisecond))
	ctx := context.Background()

	if _, err := m.Set(ctx, "session", "", []byte("d"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := m.Set(ctx, "countries", "", []byte("s"), Static); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "session", ""); ok {
		t.Fatalf("expected dynamic entry expired")
	}
	if _, ok, _ := m.Get(ctx, "countries", ""); !ok {
		t.Fatalf("expected static entry alive")
	}
}

func TestManagerStoresEmptyValue(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if ok, err := m.Set(ctx, "empty", "", nil, Dynamic); err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	body, ok, err := m.Get(ctx, "empty", "")
	if err != nil || !ok || len(body) != 0 {
		t.Fatalf("expected empty hit; ok=%v body=%q err=%v", ok, body, err)
	}
}

func TestManagerAfterClose(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !primary.Closed() || !fallback.Closed() {
		t.Fatalf("expected backends closed")
	}
	if _, ok, err := m.Get(ctx, "profile", ""); err != nil || ok {
		t.Fatalf("expected miss after close; ok=%v err=%v", ok, err)
	}
	if ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil || ok {
		t.Fatalf("expected not stored after close; ok=%v err=%v", ok, err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("expected repeated close to succeed, got %v", err)
	}
}

func TestManagerAppliesValueShapingToInjectedBackends(t *testing.T) {
	m, primary, fallback := newTestManager(t,
		WithCompression(CompressionGzip),
		WithEncryptionKey(testEncryptionKey),
		WithMaxValueBytes(64),
	)
	ctx := context.Background()

	if ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	key := storageKey(t, m, "profile", "")
	for _, b := range []*cachefake.Backend{primary, fallback} {
		raw, _, _ := b.Get(ctx, key)
		if bytes.Contains(raw, []byte("Jane")) {
			t.Fatalf("expected %s payload sealed", b.Kind())
		}
	}
	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("unexpected get: ok=%v body=%q err=%v", ok, body, err)
	}
	if ok, err := m.Set(ctx, "big", "", bytes.Repeat([]byte("x"), 65), Dynamic); err != nil || ok {
		t.Fatalf("expected oversize value refused; ok=%v err=%v", ok, err)
	}
}

func TestManagerRemember(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("computed"), nil
	}
	for i := 0; i < 3; i++ {
		body, err := m.Remember(ctx, "report", "tenant-7", Dynamic, fn)
		if err != nil || string(body) != "computed" {
			t.Fatalf("remember: body=%q err=%v", body, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one computation, got %d", calls.Load())
	}

	boom := errors.New("boom")
	if _, err := m.Remember(ctx, "other", "", Dynamic, func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := m.Remember(ctx, "other", "", Dynamic, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid nil callback, got %v", err)
	}
}

func TestManagerConcurrentUse(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := fmt.Sprintf("user%d", i%4)
			_, _ = m.Set(ctx, "profile", scope, []byte(scope), Dynamic)
			if body, ok, _ := m.Get(ctx, "profile", scope); ok && string(body) != scope {
				t.Errorf("scope %s read %q", scope, body)
			}
			_ = m.Delete(ctx, "other", scope)
		}(i)
	}
	wg.Wait()
}

func TestNewConfigErrors(t *testing.T) {
	if _, err := New(Config{Backend: "couchbase"}); !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected unsupported backend, got %v", err)
	}
	if _, err := New(Config{Backend: KindLocal, Production: true}); !errors.Is(err, ErrMisconfiguredSalt) {
		t.Fatalf("expected misconfigured salt, got %v", err)
	}
	if _, err := New(Config{Backend: KindKeyValue}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing redis address to be invalid, got %v", err)
	}
}

func TestManagerWithRealBackends(t *testing.T) {
	m, err := NewWith(KindLocal, WithFileDir(t.TempDir()), WithSalt("s"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	if ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	primary, _ := m.Registry().Primary(ctx)
	key := storageKey(t, m, "profile", "")
	if err := primary.Delete(ctx, key); err != nil {
		t.Fatalf("evict primary: %v", err)
	}
	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("expected file fallback hit; ok=%v body=%q err=%v", ok, body, err)
	}
}

func TestManagerLocalProcessScenario(t *testing.T) {
	m, err := New(Config{Backend: KindLocal, FileDir: t.TempDir(), Salt: "s"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	if ok, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	body, ok, err := m.Get(ctx, "profile", "")
	if err != nil || !ok || string(body) != "Jane" {
		t.Fatalf("unexpected get: ok=%v body=%q err=%v", ok, body, err)
	}
	if err := m.Delete(ctx, "profile", ""); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	body, ok, err = m.Get(ctx, "profile", "")
	if err != nil || ok || body != nil {
		t.Fatalf("expected miss after delete; ok=%v body=%q err=%v", ok, body, err)
	}
}
