package cache

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"time"

	"github.com/layercache/cache/cachecore"
)

var (
	encryptionMagic = []byte("ENC1")

	ErrEncryptionKey = errors.New("cache: encryption key must be 16, 24, or 32 bytes")
	ErrDecryptFailed = errors.New("cache: decrypt failed")
)

// encryptingBackend seals values with AES-GCM before they reach the inner backend.
// Values that fail to open, for instance after a key rotation, read as misses.
type encryptingBackend struct {
	inner Backend
	aead  cipher.AEAD
}

func newEncryptingBackend(inner Backend, key []byte) (Backend, error) {
	if len(key) == 0 {
		return inner, nil
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &encryptingBackend{inner: inner, aead: aead}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrEncryptionKey
	}
	return cipher.NewGCM(block)
}

func (s *encryptingBackend) Kind() Kind { return s.inner.Kind() }

func (s *encryptingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return body, ok, err
	}
	plain, err := s.decrypt(body)
	if err != nil {
		return nil, false, nil
	}
	return plain, true, nil
}

func (s *encryptingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	enc, err := s.encrypt(value)
	if err != nil {
		return false, cachecore.Unavailable(s.inner.Kind(), "set", err)
	}
	return s.inner.Set(ctx, key, enc, ttl)
}

func (s *encryptingBackend) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *encryptingBackend) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.ScanPrefix(ctx, prefix)
}

func (s *encryptingBackend) Close() error { return s.inner.Close() }

func (s *encryptingBackend) encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := s.aead.Seal(nil, nonce, plain, nil)
	buf := make([]byte, 0, len(encryptionMagic)+1+len(nonce)+len(ct))
	buf = append(buf, encryptionMagic...)
	buf = append(buf, byte(len(nonce)))
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return buf, nil
}

func (s *encryptingBackend) decrypt(in []byte) ([]byte, error) {
	if len(in) < len(encryptionMagic)+1 || !bytes.Equal(in[:len(encryptionMagic)], encryptionMagic) {
		return nil, ErrDecryptFailed
	}
	nonceLen := int(in[len(encryptionMagic)])
	offset := len(encryptionMagic) + 1
	if nonceLen != s.aead.NonceSize() || len(in) < offset+nonceLen {
		return nil, ErrDecryptFailed
	}
	nonce := in[offset : offset+nonceLen]
	plain, err := s.aead.Open(nil, nonce, in[offset+nonceLen:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
