package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/layercache/cache/cachecore"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

// Record layout: magic(4) | expiresAt unix nanos(8) | key length(2) | key | value.
var fileRecordMagic = []byte("CFR2")

const (
	fileRecordHeaderLen = 14
	fileSuffix          = ".cache"
)

var errCorruptFileRecord = errors.New("corrupt cache file record")

// fileStore is the persistent filesystem fallback. Each entry is one file named by
// the SHA-256 of its key; the key itself is kept in the record for prefix scans.
type fileStore struct {
	dir    string
	closed atomic.Bool
}

func newFileStore(dir string) *fileStore {
	if dir == "" {
		dir = defaultFileDir()
	}
	_ = os.MkdirAll(dir, 0o755)
	return &fileStore{dir: dir}
}

func (s *fileStore) Kind() Kind { return KindFile }

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, cachecore.Unavailable(KindFile, "get", err)
	}
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, cachecore.Unavailable(KindFile, "get", err)
	}

	expiresAt, _, value, err := decodeFileRecord(data)
	if err != nil {
		_ = os.Remove(path)
		return nil, false, nil
	}
	if fileRecordExpired(expiresAt) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *fileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, cachecore.Unavailable(KindFile, "set", err)
	}
	if len(key) > math.MaxUint16 {
		return false, nil
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	tmp, err := createTempFile(s.dir, "cache-*")
	if err != nil {
		return false, cachecore.Unavailable(KindFile, "set", err)
	}
	tmpPath := tmp.Name()

	var header [fileRecordHeaderLen]byte
	copy(header[:4], fileRecordMagic)
	binary.BigEndian.PutUint64(header[4:12], uint64(expiresAt))
	binary.BigEndian.PutUint16(header[12:14], uint16(len(key)))

	for _, chunk := range [][]byte{header[:], []byte(key), value} {
		if _, err := tmp.Write(chunk); err != nil {
			tmp.Close()
			_ = os.Remove(tmpPath)
			return false, cachecore.Unavailable(KindFile, "set", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, cachecore.Unavailable(KindFile, "set", err)
	}
	if err := renameFile(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return false, cachecore.Unavailable(KindFile, "set", err)
	}
	return true, nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return cachecore.Unavailable(KindFile, "delete", err)
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cachecore.Unavailable(KindFile, "delete", err)
	}
	return nil
}

func (s *fileStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, cachecore.Unavailable(KindFile, "scan", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, cachecore.Unavailable(KindFile, "scan", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, cachecore.Unavailable(KindFile, "scan", err)
		}
		path := filepath.Join(s.dir, entry.Name())
		expiresAt, key, err := readFileRecordKey(path)
		if err != nil {
			continue
		}
		if fileRecordExpired(expiresAt) {
			_ = os.Remove(path)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *fileStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fileStore) ready(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *fileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileSuffix)
}

func fileRecordExpired(expiresAt int64) bool {
	return expiresAt > 0 && time.Now().UnixNano() > expiresAt
}

func decodeFileRecord(data []byte) (int64, string, []byte, error) {
	if len(data) < fileRecordHeaderLen || !bytes.Equal(data[:4], fileRecordMagic) {
		return 0, "", nil, errCorruptFileRecord
	}
	expiresAt := int64(binary.BigEndian.Uint64(data[4:12]))
	keyLen := int(binary.BigEndian.Uint16(data[12:14]))
	if len(data) < fileRecordHeaderLen+keyLen {
		return 0, "", nil, errCorruptFileRecord
	}
	key := string(data[fileRecordHeaderLen : fileRecordHeaderLen+keyLen])
	return expiresAt, key, data[fileRecordHeaderLen+keyLen:], nil
}

// readFileRecordKey reads only the header and key of a record.
func readFileRecordKey(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	var header [fileRecordHeaderLen]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, "", err
	}
	if !bytes.Equal(header[:4], fileRecordMagic) {
		return 0, "", errCorruptFileRecord
	}
	key := make([]byte, binary.BigEndian.Uint16(header[12:14]))
	if _, err := io.ReadFull(f, key); err != nil {
		return 0, "", err
	}
	return int64(binary.BigEndian.Uint64(header[4:12])), string(key), nil
}
