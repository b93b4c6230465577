package cache

import (
	"context"
	"fmt"

	"github.com/layercache/cache/cachecore"
)

// openBackend connects the store for kind and applies the configured value shaping,
// encryption and, for the primary, the circuit breaker.
func openBackend(ctx context.Context, kind Kind, primary bool, cfg Config) (Backend, error) {
	store, err := openStore(ctx, kind, cfg)
	if err != nil {
		return nil, err
	}
	return decorate(store, primary, cfg)
}

func openStore(ctx context.Context, kind Kind, cfg Config) (Backend, error) {
	prefix := cfg.Namespace
	switch kind {
	case KindDistributedMemory:
		return newMemcachedStore(cfg.MemcachedAddresses, prefix), nil
	case KindKeyValue:
		if cfg.RedisClient != nil {
			return newRedisStore(cfg.RedisClient, prefix, false), nil
		}
		client := dialRedis(cfg)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return newRedisStore(client, prefix, true), nil
	case KindNATS:
		if cfg.NATSKeyValue != nil {
			return newNATSStore(cfg.NATSKeyValue, nil, prefix), nil
		}
		conn, kv, err := connectNATS(cfg.NATSURL, cfg.NATSBucket)
		if err != nil {
			return nil, err
		}
		return newNATSStore(kv, conn, prefix), nil
	case KindLocal:
		return newMemoryStore(cfg.TTLDynamic, cfg.MemoryCleanupInterval), nil
	case KindFile:
		return newFileStore(cfg.FileDir), nil
	case KindSQL:
		return newSQLStore(ctx, cfg.SQLDriverName, cfg.SQLDSN, cfg.SQLTable, prefix)
	case KindDynamo:
		return newDynamoStore(ctx, cfg.DynamoClient, cfg.DynamoRegion, cfg.DynamoEndpoint, cfg.DynamoTable, prefix)
	default:
		return nil, fmt.Errorf("%w: %q", cachecore.ErrUnsupportedBackend, kind)
	}
}

func decorate(b Backend, primary bool, cfg Config) (Backend, error) {
	encrypted, err := newEncryptingBackend(b, cfg.EncryptionKey)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	shaped := newShapingBackend(encrypted, cfg.Compression, cfg.MaxValueBytes)
	if primary {
		return newBreakerBackend(shaped, cfg.BreakerFailures, cfg.BreakerCooldown, cfg.Logger), nil
	}
	return shaped, nil
}
