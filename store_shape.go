package cache

import (
	"context"
	"errors"
	"time"

	"github.com/layercache/cache/cachecore"
)

// shapingBackend enforces the size limit and compression on top of any backend. An
// oversized value is reported as not stored; an undecodable one reads as a miss.
type shapingBackend struct {
	inner Backend
	codec CompressionCodec
	max   int
}

func newShapingBackend(inner Backend, codec CompressionCodec, max int) Backend {
	if (codec == "" || codec == CompressionNone) && max <= 0 {
		return inner
	}
	if codec == "" {
		codec = CompressionNone
	}
	return &shapingBackend{inner: inner, codec: codec, max: max}
}

func (s *shapingBackend) Kind() Kind { return s.inner.Kind() }

func (s *shapingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return body, ok, err
	}
	decoded, err := decodeValue(body)
	if err != nil {
		return nil, false, nil
	}
	return decoded, true, nil
}

func (s *shapingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	encoded, err := encodeValue(s.codec, s.max, value)
	if errors.Is(err, ErrValueTooLarge) {
		return false, nil
	}
	if err != nil {
		return false, cachecore.Unavailable(s.inner.Kind(), "set", err)
	}
	return s.inner.Set(ctx, key, encoded, ttl)
}

func (s *shapingBackend) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *shapingBackend) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.ScanPrefix(ctx, prefix)
}

func (s *shapingBackend) Close() error { return s.inner.Close() }
