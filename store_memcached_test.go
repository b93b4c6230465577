package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layercache/cache/cachetest"
)

type memcachedItem struct {
	value     []byte
	expiresAt time.Time
}

// fakeMemcached serves the subset of the text protocol the store uses.
// Each address has its own keyspace.
type fakeMemcached struct {
	mu       sync.Mutex
	servers  map[string]map[string]memcachedItem
	now      func() time.Time
	maxValue int
	dials    int
}

func newFakeMemcached() *fakeMemcached {
	return &fakeMemcached{servers: map[string]map[string]memcachedItem{}, now: time.Now}
}

// install routes dialMemcached to in-process pipes for the duration of the test.
func (f *fakeMemcached) install(t *testing.T) {
	t.Helper()
	prev := dialMemcached
	dialMemcached = func(ctx context.Context, network, addr string) (net.Conn, error) {
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		client, server := net.Pipe()
		go f.serve(server, addr)
		return client, nil
	}
	t.Cleanup(func() { dialMemcached = prev })
}

func (f *fakeMemcached) items(addr string) map[string]memcachedItem {
	if f.servers[addr] == nil {
		f.servers[addr] = map[string]memcachedItem{}
	}
	return f.servers[addr]
}

func (f *fakeMemcached) serve(conn net.Conn, addr string) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		var resp string
		switch fields[0] {
		case "get":
			resp = f.get(addr, fields[1])
		case "set":
			size, _ := strconv.Atoi(fields[4])
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			exptime, _ := strconv.ParseInt(fields[3], 10, 64)
			resp = f.set(addr, fields[1], buf[:size], exptime)
		case "delete":
			resp = f.del(addr, fields[1])
		case "lru_crawler":
			resp = f.metadump(addr)
		default:
			resp = "ERROR\r\n"
		}
		if _, err := io.WriteString(conn, resp); err != nil {
			return
		}
	}
}

func (f *fakeMemcached) get(addr, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items(addr)
	item, ok := items[key]
	if !ok || f.expired(item) {
		delete(items, key)
		return "END\r\n"
	}
	return fmt.Sprintf("VALUE %s 0 %d\r\n%s\r\nEND\r\n", key, len(item.value), item.value)
}

func (f *fakeMemcached) set(addr, key string, value []byte, exptime int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxValue > 0 && len(value) > f.maxValue {
		return "SERVER_ERROR object too large for cache\r\n"
	}
	item := memcachedItem{value: append([]byte(nil), value...)}
	if exptime > 0 {
		item.expiresAt = f.now().Add(time.Duration(exptime) * time.Second)
	}
	f.items(addr)[key] = item
	return "STORED\r\n"
}

func (f *fakeMemcached) del(addr, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items(addr)
	if _, ok := items[key]; !ok {
		return "NOT_FOUND\r\n"
	}
	delete(items, key)
	return "DELETED\r\n"
}

func (f *fakeMemcached) metadump(addr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for key, item := range f.items(addr) {
		if f.expired(item) {
			continue
		}
		fmt.Fprintf(&b, "key=%s exp=-1 la=0 cas=1 fetch=no cls=1 size=%d\r\n", url.QueryEscape(key), len(item.value))
	}
	b.WriteString("END\r\n")
	return b.String()
}

func (f *fakeMemcached) expired(item memcachedItem) bool {
	return !item.expiresAt.IsZero() && !f.now().Before(item.expiresAt)
}

func TestMemcachedStoreContract(t *testing.T) {
	fake := newFakeMemcached()
	fake.install(t)
	store := newMemcachedStore([]string{"mc-a:11211", "mc-b:11211"}, "app")
	// memcached expiry has one second granularity; see TestMemcachedStoreExpiry.
	cachetest.RunBackendContract(t, store, cachetest.Options{CaseName: t.Name(), SkipTTL: true})
}

func TestMemcachedStoreExpiry(t *testing.T) {
	fake := newFakeMemcached()
	var (
		mu  sync.Mutex
		now = time.Unix(1_700_000_000, 0)
	)
	fake.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	fake.install(t)
	store := newMemcachedStore(nil, "app")
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if ok, err := store.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("expected hit before expiry; ok=%v err=%v", ok, err)
	}
	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	if _, ok, err := store.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected miss after expiry; ok=%v err=%v", ok, err)
	}
}

func TestMemcachedStoreRejectsOversize(t *testing.T) {
	fake := newFakeMemcached()
	fake.maxValue = 4
	fake.install(t)
	store := newMemcachedStore(nil, "app")
	t.Cleanup(func() { _ = store.Close() })

	ok, err := store.Set(context.Background(), "k", []byte("too large"), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected refused write without error; ok=%v err=%v", ok, err)
	}
}

func TestMemcachedStoreReusesConnections(t *testing.T) {
	fake := newFakeMemcached()
	fake.install(t)
	store := newMemcachedStore(nil, "app")
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	fake.mu.Lock()
	dials := fake.dials
	fake.mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected one pooled connection, got %d dials", dials)
	}
}

func TestMemcachedStoreDialFailure(t *testing.T) {
	prev := dialMemcached
	dialMemcached = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	t.Cleanup(func() { dialMemcached = prev })

	store := newMemcachedStore(nil, "app")
	if _, _, err := store.Get(context.Background(), "k"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestMemcachedStoreHonorsDeadline(t *testing.T) {
	prev := dialMemcached
	dialMemcached = func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		// Read requests but never answer.
		go func() { _, _ = io.Copy(io.Discard, server) }()
		return client, nil
	}
	t.Cleanup(func() { dialMemcached = prev })

	store := newMemcachedStore(nil, "app")
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := store.Get(ctx, "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected prompt timeout, took %v", elapsed)
	}
}

func TestMemcachedExptime(t *testing.T) {
	if got := memcachedExptime(0); got != 0 {
		t.Fatalf("expected 0 for no ttl, got %d", got)
	}
	if got := memcachedExptime(10 * time.Millisecond); got != 1 {
		t.Fatalf("expected sub-second ttl to round up to 1, got %d", got)
	}
	if got := memcachedExptime(90 * time.Second); got != 90 {
		t.Fatalf("expected 90, got %d", got)
	}
	if got := memcachedExptime(60 * 24 * time.Hour); got < time.Now().Unix() {
		t.Fatalf("expected absolute unix time for long ttl, got %d", got)
	}
}

func TestValidateMemcachedNamespace(t *testing.T) {
	longest := strings.Repeat("n", memcachedMaxKeyLen-1-memcachedStorageKeyLen)
	if err := validateMemcachedNamespace(longest); err != nil {
		t.Fatalf("expected %d byte namespace to fit, got %v", len(longest), err)
	}
	for _, ns := range []string{"a b", "a\tb", "a\x00b", "a\u00a0b", longest + "n"} {
		if err := validateMemcachedNamespace(ns); err == nil {
			t.Fatalf("expected namespace %q to be rejected", ns)
		}
	}
}
