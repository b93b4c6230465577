package cachetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/layercache/cache/cachecore"
)

// Options configures shared backend contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// SkipCloneCheck disables the "get returns a cloned value" assertion.
	SkipCloneCheck bool
	// TTL controls the expiry duration used in TTL tests.
	TTL time.Duration
	// TTLWait is how long the harness waits for expiry to occur.
	TTLWait time.Duration
	// SkipTTL disables the expiry assertion for backends with coarse expiry.
	SkipTTL bool
	// SkipScan disables the ScanPrefix assertions.
	SkipScan bool
	// SkipClose leaves the backend open when the suite ends.
	SkipClose bool
}

// Backend is the contract exercised by RunBackendContract.
type Backend = cachecore.Backend

// RunBackendContract runs a backend-agnostic contract suite. Unless SkipClose is
// set it closes the backend at the end.
func RunBackendContract(t *testing.T, backend Backend, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 50 * time.Millisecond
	}
	wait := opts.TTLWait
	if wait <= 0 {
		wait = 120 * time.Millisecond
	}

	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	// Miss.
	if _, ok, err := backend.Get(ctx, key("missing")); err != nil || ok {
		t.Fatalf("expected miss for unknown key; ok=%v err=%v", ok, err)
	}

	// Set/Get round-trip.
	stored, err := backend.Set(ctx, key("alpha"), []byte("value"), time.Minute)
	if err != nil || !stored {
		t.Fatalf("set failed: stored=%v err=%v", stored, err)
	}
	body, ok, err := backend.Get(ctx, key("alpha"))
	if err != nil || !ok || string(body) != "value" {
		t.Fatalf("unexpected get result: ok=%v body=%q err=%v", ok, string(body), err)
	}
	if !opts.SkipCloneCheck {
		body[0] = 'X'
		body2, ok2, err2 := backend.Get(ctx, key("alpha"))
		if err2 != nil || !ok2 || string(body2) != "value" {
			t.Fatalf("expected stored value unchanged, got ok=%v body=%q err=%v", ok2, string(body2), err2)
		}
	}

	// Overwrite.
	if _, err := backend.Set(ctx, key("alpha"), []byte("value2"), time.Minute); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if body, ok, err := backend.Get(ctx, key("alpha")); err != nil || !ok || string(body) != "value2" {
		t.Fatalf("expected overwritten value; ok=%v body=%q err=%v", ok, string(body), err)
	}

	// Empty value.
	if stored, err := backend.Set(ctx, key("empty"), []byte{}, time.Minute); err != nil || !stored {
		t.Fatalf("set empty failed: stored=%v err=%v", stored, err)
	}
	if body, ok, err := backend.Get(ctx, key("empty")); err != nil || !ok || len(body) != 0 {
		t.Fatalf("expected empty value hit; ok=%v len=%d err=%v", ok, len(body), err)
	}

	// TTL expiry.
	if !opts.SkipTTL {
		if _, err := backend.Set(ctx, key("ttl"), []byte("v"), ttl); err != nil {
			t.Fatalf("set ttl failed: %v", err)
		}
		if err := waitForMiss(ctx, backend, key("ttl"), wait); err != nil {
			t.Fatalf("expected ttl expiry: %v", err)
		}
	}

	// Delete is idempotent.
	if _, err := backend.Set(ctx, key("a"), []byte("1"), time.Minute); err != nil {
		t.Fatalf("set a failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := backend.Delete(ctx, key("a")); err != nil {
			t.Fatalf("delete #%d failed: %v", i+1, err)
		}
	}
	if _, ok, err := backend.Get(ctx, key("a")); err != nil || ok {
		t.Fatalf("expected key a deleted; ok=%v err=%v", ok, err)
	}

	// ScanPrefix is restartable and only returns matching keys.
	if !opts.SkipScan {
		for _, k := range []string{"grp:one", "grp:two", "other:three"} {
			if _, err := backend.Set(ctx, key(k), []byte(k), time.Minute); err != nil {
				t.Fatalf("set %s failed: %v", k, err)
			}
		}
		want := []string{key("grp:one"), key("grp:two")}
		for i := 0; i < 2; i++ {
			got, err := backend.ScanPrefix(ctx, key("grp:"))
			if err != nil {
				t.Fatalf("scan #%d failed: %v", i+1, err)
			}
			sort.Strings(got)
			if strings.Join(got, ",") != strings.Join(want, ",") {
				t.Fatalf("scan #%d: expected %v, got %v", i+1, want, got)
			}
		}
	}

	// Close is idempotent and later calls report unavailability.
	if !opts.SkipClose {
		if err := backend.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if err := backend.Close(); err != nil {
			t.Fatalf("second close failed: %v", err)
		}
		if _, _, err := backend.Get(ctx, key("alpha")); !errors.Is(err, cachecore.ErrBackendUnavailable) {
			t.Fatalf("expected unavailable after close, got %v", err)
		}
	}
}

func waitForMiss(ctx context.Context, backend Backend, key string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		_, ok, err := backend.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("key %q still present after %s", key, wait)
	}
	return nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
