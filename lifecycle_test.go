package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/layercache/cache/cachefake"
)

func seedScope(t *testing.T, m *Manager, scope string, n int, class TTLClass) {
	t.Helper()
	for i := 0; i < n; i++ {
		ref := fmt.Sprintf("ref-%d", i)
		if ok, err := m.Set(context.Background(), ref, scope, []byte(ref), class); err != nil || !ok {
			t.Fatalf("seed %s/%s: ok=%v err=%v", scope, ref, ok, err)
		}
	}
}

func TestPurgeScopeRemovesOnlyTheGroup(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	ctx := context.Background()
	seedScope(t, m, "user1", 20, Dynamic)
	seedScope(t, m, "user2", 3, Dynamic)

	removed, err := m.PurgeScope(ctx, "anything", "user1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 20 {
		t.Fatalf("expected 20 removed, got %d", removed)
	}
	if primary.Len() != 3 || fallback.Len() != 3 {
		t.Fatalf("expected only user2 entries left, got %d and %d", primary.Len(), fallback.Len())
	}
	if _, ok, _ := m.Get(ctx, "ref-0", "user2"); !ok {
		t.Fatalf("expected other scope untouched")
	}
	if _, ok, _ := m.Get(ctx, "ref-0", "user1"); ok {
		t.Fatalf("expected purged scope to miss")
	}
}

func TestPurgeScopeUnscopedUsesReference(t *testing.T) {
	m, _, fallback := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Set(ctx, "profile", "", []byte("Jane"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := m.Set(ctx, "profile", "user1", []byte("v1"), Dynamic); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	removed, err := m.PurgeScope(ctx, "profile", "")
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d err=%v", removed, err)
	}
	if fallback.Len() != 1 {
		t.Fatalf("expected scoped entry kept, got %d entries", fallback.Len())
	}
}

func TestPurgeScopeFallbackScanFailure(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	seedScope(t, m, "user1", 2, Dynamic)
	fallback.Fail(cachefake.OpScan, true)

	removed, err := m.PurgeScope(context.Background(), "x", "user1")
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing removed without error, got %d err=%v", removed, err)
	}
	primary.AssertTotal(t, cachefake.OpDelete, 0)
}

func TestPurgeScopeCountsOnlyFallbackDeletes(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	seedScope(t, m, "user1", 4, Dynamic)
	primary.Fail(cachefake.OpDelete, true)

	removed, err := m.PurgeScope(context.Background(), "x", "user1")
	if err != nil || removed != 4 {
		t.Fatalf("expected 4 removed, got %d err=%v", removed, err)
	}
	primary.AssertTotal(t, cachefake.OpDelete, 4)
	if fallback.Len() != 0 {
		t.Fatalf("expected fallback emptied")
	}
}

func TestPurgeValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Lifecycle().PurgePrefix(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid empty prefix, got %v", err)
	}
	if _, err := m.PurgeScope(ctx, "", "user1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid empty reference, got %v", err)
	}
}

func TestCloseAndPurgeDynamic(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	seedScope(t, m, "user1", 3, Dynamic)

	removed, err := m.Lifecycle().CloseAndPurge(context.Background(), Dynamic, "x", "user1")
	if err != nil {
		t.Fatalf("close and purge: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if fallback.Len() != 0 {
		t.Fatalf("expected dynamic entries purged")
	}
	if !primary.Closed() || !fallback.Closed() {
		t.Fatalf("expected connections closed")
	}
}

func TestCloseAndPurgeStaticKeepsEntries(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	seedScope(t, m, "user1", 3, Static)

	removed, err := m.Lifecycle().CloseAndPurge(context.Background(), Static, "x", "user1")
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing purged, got %d err=%v", removed, err)
	}
	if fallback.Len() != 3 {
		t.Fatalf("expected static entries kept, got %d", fallback.Len())
	}
	fallback.AssertTotal(t, cachefake.OpScan, 0)
	if !primary.Closed() || !fallback.Closed() {
		t.Fatalf("expected connections closed")
	}
}

func TestPurgeAfterClose(t *testing.T) {
	m, _, _ := newTestManager(t)
	seedScope(t, m, "user1", 2, Dynamic)
	if err := m.Lifecycle().CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	removed, err := m.PurgeScope(context.Background(), "x", "user1")
	if err != nil || removed != 0 {
		t.Fatalf("expected closed purge to remove nothing, got %d err=%v", removed, err)
	}
}

func TestCloseAndPurgeRejectsUnknownClass(t *testing.T) {
	m, primary, fallback := newTestManager(t)
	seedScope(t, m, "user1", 2, Dynamic)

	removed, err := m.Lifecycle().CloseAndPurge(context.Background(), TTLClass(7), "x", "user1")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if removed != 0 || fallback.Len() != 2 {
		t.Fatalf("expected nothing purged, got %d removed, %d left", removed, fallback.Len())
	}
	if primary.Closed() || fallback.Closed() {
		t.Fatalf("expected connections left open")
	}
}
