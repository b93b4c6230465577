package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/layercache/cache/cachecore"
)

const (
	memcachedPoolSize = 16
	// memcachedRelativeTTLLimit is the largest exptime memcached reads as relative
	// seconds; larger values are absolute unix times.
	memcachedRelativeTTLLimit = 30 * 24 * time.Hour
)

var dialMemcached = func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	return d.DialContext(ctx, network, addr)
}

var errMemcachedNoAddrs = errors.New("memcached: no addresses configured")

// memcachedStore is the distributed in-memory backend. It speaks the memcached text
// protocol over small per-server connection pools.
type memcachedStore struct {
	addrs  []string
	prefix string
	pools  map[string]chan *memcachedConn
	closed atomic.Bool
	once   sync.Once
}

type memcachedConn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
}

func newMemcachedStore(addrs []string, prefix string) *memcachedStore {
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:11211"}
	}
	if prefix == "" {
		prefix = defaultNamespace
	}
	pools := make(map[string]chan *memcachedConn, len(addrs))
	for _, addr := range addrs {
		pools[addr] = make(chan *memcachedConn, memcachedPoolSize)
	}
	return &memcachedStore{addrs: addrs, prefix: prefix, pools: pools}
}

func (s *memcachedStore) Kind() Kind { return KindDistributedMemory }

func (s *memcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	full := s.cacheKey(key)
	var (
		value []byte
		found bool
	)
	err := s.do(ctx, s.serverFor(full), func(mc *memcachedConn) error {
		if _, err := fmt.Fprintf(mc.conn, "get %s\r\n", full); err != nil {
			return err
		}
		line, err := mc.reader.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "END\r\n" {
			return nil
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 4 || fields[0] != "VALUE" {
			return fmt.Errorf("unexpected response: %s", strings.TrimSpace(line))
		}
		size, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("parse length: %w", err)
		}
		// value plus trailing \r\n
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(mc.reader, buf); err != nil {
			return err
		}
		if _, err := mc.reader.ReadString('\n'); err != nil { // END
			return err
		}
		value, found = buf[:size], true
		return nil
	})
	if err != nil {
		return nil, false, cachecore.Unavailable(KindDistributedMemory, "get", err)
	}
	return value, found, nil
}

func (s *memcachedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	full := s.cacheKey(key)
	stored := false
	err := s.do(ctx, s.serverFor(full), func(mc *memcachedConn) error {
		if _, err := fmt.Fprintf(mc.conn, "set %s 0 %d %d\r\n", full, memcachedExptime(ttl), len(value)); err != nil {
			return err
		}
		if _, err := mc.conn.Write(append(cloneBytes(value), '\r', '\n')); err != nil {
			return err
		}
		line, err := mc.reader.ReadString('\n')
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "STORED"):
			stored = true
		case strings.HasPrefix(line, "NOT_STORED"), strings.HasPrefix(line, "SERVER_ERROR"):
			// The server refused the item, e.g. "object too large for cache".
		default:
			return fmt.Errorf("memcached set failed: %s", strings.TrimSpace(line))
		}
		return nil
	})
	if err != nil {
		return false, cachecore.Unavailable(KindDistributedMemory, "set", err)
	}
	return stored, nil
}

func (s *memcachedStore) Delete(ctx context.Context, key string) error {
	full := s.cacheKey(key)
	err := s.do(ctx, s.serverFor(full), func(mc *memcachedConn) error {
		if _, err := fmt.Fprintf(mc.conn, "delete %s\r\n", full); err != nil {
			return err
		}
		line, err := mc.reader.ReadString('\n')
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "DELETED") && !strings.HasPrefix(line, "NOT_FOUND") {
			return fmt.Errorf("memcached delete failed: %s", strings.TrimSpace(line))
		}
		return nil
	})
	return cachecore.Unavailable(KindDistributedMemory, "delete", err)
}

// ScanPrefix walks every server with "lru_crawler metadump all" (memcached 1.4.31+).
func (s *memcachedStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	full := s.cacheKey(prefix)
	strip := s.prefix + ":"
	var keys []string
	for _, addr := range s.addrs {
		err := s.do(ctx, addr, func(mc *memcachedConn) error {
			if _, err := io.WriteString(mc.conn, "lru_crawler metadump all\r\n"); err != nil {
				return err
			}
			for {
				line, err := mc.reader.ReadString('\n')
				if err != nil {
					return err
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "END":
					return nil
				case strings.HasPrefix(line, "key="):
					key, ok := parseMetadumpKey(line)
					if ok && strings.HasPrefix(key, full) {
						keys = append(keys, strings.TrimPrefix(key, strip))
					}
				case line == "":
				default:
					return fmt.Errorf("memcached metadump failed: %s", line)
				}
			}
		})
		if err != nil {
			return nil, cachecore.Unavailable(KindDistributedMemory, "scan", err)
		}
	}
	return keys, nil
}

func (s *memcachedStore) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		for _, pool := range s.pools {
		drain:
			for {
				select {
				case mc := <-pool:
					_ = mc.conn.Close()
				default:
					break drain
				}
			}
		}
	})
	return nil
}

// do runs fn on a pooled connection to addr. The connection honors ctx: its deadline
// becomes the I/O deadline and cancellation interrupts blocked reads.
func (s *memcachedStore) do(ctx context.Context, addr string, fn func(*memcachedConn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mc, err := s.acquire(ctx, addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	_ = mc.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = mc.conn.SetDeadline(time.Now())
	})
	err = fn(mc)
	interrupted := !stop()
	if err == nil && interrupted {
		err = ctx.Err()
	}
	s.release(mc, err != nil)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (s *memcachedStore) acquire(ctx context.Context, addr string) (*memcachedConn, error) {
	if addr == "" {
		return nil, errMemcachedNoAddrs
	}
	if pool, ok := s.pools[addr]; ok {
		select {
		case mc := <-pool:
			if mc != nil {
				return mc, nil
			}
		default:
		}
	}
	conn, err := dialMemcached(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("memcached dial %s: %w", addr, err)
	}
	return &memcachedConn{addr: addr, conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (s *memcachedStore) release(mc *memcachedConn, bad bool) {
	if mc == nil || mc.conn == nil {
		return
	}
	if bad || s.closed.Load() {
		_ = mc.conn.Close()
		return
	}
	pool, ok := s.pools[mc.addr]
	if !ok {
		_ = mc.conn.Close()
		return
	}
	select {
	case pool <- mc:
	default:
		_ = mc.conn.Close()
	}
}

// serverFor maps a key to one server so reads find earlier writes.
func (s *memcachedStore) serverFor(key string) string {
	if len(s.addrs) == 0 {
		return ""
	}
	return s.addrs[crc32.ChecksumIEEE([]byte(key))%uint32(len(s.addrs))]
}

// memcachedMaxKeyLen is the longest key the text protocol accepts.
const memcachedMaxKeyLen = 250

// memcachedStorageKeyLen is the length of a StorageKey: group tag, colon, digest.
const memcachedStorageKeyLen = groupTagLen + 1 + sha256.Size*2

// validateMemcachedNamespace rejects namespaces that would break the text
// protocol line or push keys past the server's length limit.
func validateMemcachedNamespace(namespace string) error {
	for _, r := range namespace {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("memcached namespace %q contains whitespace or control characters", namespace)
		}
	}
	if len(namespace)+1+memcachedStorageKeyLen > memcachedMaxKeyLen {
		return fmt.Errorf("memcached namespace %q is too long", namespace)
	}
	return nil
}

func (s *memcachedStore) cacheKey(key string) string {
	return s.prefix + ":" + key
}

func memcachedExptime(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	if ttl > memcachedRelativeTTLLimit {
		return time.Now().Add(ttl).Unix()
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func parseMetadumpKey(line string) (string, bool) {
	field, _, _ := strings.Cut(line, " ")
	raw := strings.TrimPrefix(field, "key=")
	key, err := url.QueryUnescape(raw)
	if err != nil {
		return "", false
	}
	return key, true
}
