package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layercache/cache/cachefake"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptingBackendRoundTrip(t *testing.T) {
	inner := cachefake.New(KindFile)
	store, err := newEncryptingBackend(inner, testEncryptionKey)
	if err != nil {
		t.Fatalf("new encrypting backend: %v", err)
	}
	ctx := context.Background()

	if ok, err := store.Set(ctx, "k", []byte("secret"), time.Minute); err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	raw, _, _ := inner.Get(ctx, "k")
	if bytes.Contains(raw, []byte("secret")) || !bytes.HasPrefix(raw, encryptionMagic) {
		t.Fatalf("expected sealed payload at rest")
	}
	body, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(body) != "secret" {
		t.Fatalf("expected decrypted value; ok=%v body=%q err=%v", ok, body, err)
	}
}

func TestEncryptingBackendWrongKeyIsMiss(t *testing.T) {
	inner := cachefake.New(KindFile)
	writer, _ := newEncryptingBackend(inner, testEncryptionKey)
	reader, _ := newEncryptingBackend(inner, []byte("fedcba9876543210"))
	ctx := context.Background()

	if _, err := writer.Set(ctx, "k", []byte("secret"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, err := reader.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected miss after key rotation; ok=%v err=%v", ok, err)
	}
	if _, err := inner.Set(ctx, "plain", []byte("unsealed"), time.Minute); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, ok, _ := reader.Get(ctx, "plain"); ok {
		t.Fatalf("expected unsealed payload to read as a miss")
	}
}

func TestNewEncryptingBackendKeyValidation(t *testing.T) {
	inner := cachefake.New(KindFile)
	if got, err := newEncryptingBackend(inner, nil); err != nil || got != Backend(inner) {
		t.Fatalf("expected no-op without key; err=%v", err)
	}
	if _, err := newEncryptingBackend(inner, []byte("short")); !errors.Is(err, ErrEncryptionKey) {
		t.Fatalf("expected key length error, got %v", err)
	}
}
