package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/layercache/cache/cachecore"
)

const natsEnvelopeMarker = "cache-v1"

// NATSKeyValue captures the subset of nats.KeyValue used by the store.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

type natsStore struct {
	kv        NATSKeyValue
	conn      *nats.Conn
	prefix    string
	closeOnce sync.Once
	closed    chan struct{}
}

type natsEnvelope struct {
	Marker    string `json:"m"`
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"ea"`
}

// newNATSStore wraps kv. A non-nil conn is owned and drained on Close.
func newNATSStore(kv NATSKeyValue, conn *nats.Conn, prefix string) *natsStore {
	if prefix == "" {
		prefix = defaultNamespace
	}
	return &natsStore{kv: kv, conn: conn, prefix: prefix, closed: make(chan struct{})}
}

// connectNATS dials url and binds bucket, creating it when missing.
func connectNATS(url, bucket string) (*nats.Conn, nats.KeyValue, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, kv, nil
}

func (s *natsStore) Kind() Kind { return KindNATS }

func (s *natsStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, cachecore.Unavailable(KindNATS, "get", err)
	}
	cacheKey := s.cacheKey(key)
	entry, err := s.kv.Get(cacheKey)
	if isNATSMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cachecore.Unavailable(KindNATS, "get", err)
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return nil, false, nil
	}
	envelope, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		// Foreign or corrupt payload under our prefix: drop it and report a miss.
		_ = s.kv.Purge(cacheKey)
		return nil, false, nil
	}
	if envelope.ExpiresAt > 0 && time.Now().UnixMilli() > envelope.ExpiresAt {
		_ = s.kv.Purge(cacheKey)
		return nil, false, nil
	}
	return cloneBytes(envelope.Value), true, nil
}

func (s *natsStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, cachecore.Unavailable(KindNATS, "set", err)
	}
	body, err := encodeNATSEnvelope(value, ttl)
	if err != nil {
		return false, cachecore.Unavailable(KindNATS, "set", err)
	}
	if _, err := s.kv.Put(s.cacheKey(key), body); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return false, nil
		}
		return false, cachecore.Unavailable(KindNATS, "set", err)
	}
	return true, nil
}

func (s *natsStore) Delete(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return cachecore.Unavailable(KindNATS, "delete", err)
	}
	err := s.kv.Purge(s.cacheKey(key))
	if isNATSMiss(err) {
		return nil
	}
	return cachecore.Unavailable(KindNATS, "delete", err)
}

func (s *natsStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, cachecore.Unavailable(KindNATS, "scan", err)
	}
	lister, err := s.kv.ListKeys(nats.IgnoreDeletes())
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, cachecore.Unavailable(KindNATS, "scan", err)
	}
	defer func() { _ = lister.Stop() }()

	scope := s.scopePrefix()
	var keys []string
	for full := range lister.Keys() {
		if !strings.HasPrefix(full, scope) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(full, scope))
		if err != nil {
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close drains the connection when the store owns it.
func (s *natsStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			err = s.conn.Drain()
		}
	})
	return err
}

func (s *natsStore) ready(ctx context.Context) error {
	if s.kv == nil {
		return errors.New("nats cache key-value unavailable")
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

func (s *natsStore) cacheKey(key string) string {
	return s.scopePrefix() + encodeNATSKeyPart(key)
}

func (s *natsStore) scopePrefix() string {
	return "p." + encodeNATSKeyPart(s.prefix) + ".k."
}

func encodeNATSEnvelope(value []byte, ttl time.Duration) ([]byte, error) {
	envelope := natsEnvelope{Marker: natsEnvelopeMarker, Value: cloneBytes(value)}
	if ttl > 0 {
		envelope.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal nats cache envelope: %w", err)
	}
	return body, nil
}

func decodeNATSEnvelope(body []byte) (natsEnvelope, error) {
	var envelope natsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return natsEnvelope{}, fmt.Errorf("decode nats cache envelope: %w", err)
	}
	if envelope.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, errors.New("decode nats cache envelope: unknown marker")
	}
	return envelope, nil
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

// encodeNATSKeyPart maps arbitrary text onto the NATS key alphabet.
func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
