package cache

import (
	"time"

	"go.uber.org/zap"
)

// Option mutates Config when constructing a Manager.
type Option func(Config) Config

// WithNamespace overrides the key namespace.
func WithNamespace(namespace string) Option {
	return func(cfg Config) Config {
		cfg.Namespace = namespace
		return cfg
	}
}

// WithSalt sets the key salt explicitly.
func WithSalt(salt string) Option {
	return func(cfg Config) Config {
		cfg.Salt = salt
		return cfg
	}
}

// WithSecrets derives the salt from two deployment secrets.
func WithSecrets(key, salt string) Option {
	return func(cfg Config) Config {
		cfg.SecretKey = key
		cfg.SecretSalt = salt
		return cfg
	}
}

// WithProduction makes an unset salt a construction error.
func WithProduction(production bool) Option {
	return func(cfg Config) Config {
		cfg.Production = production
		return cfg
	}
}

// WithTTLs overrides the Static and Dynamic class durations.
func WithTTLs(static, dynamic time.Duration) Option {
	return func(cfg Config) Config {
		cfg.TTLStatic = static
		cfg.TTLDynamic = dynamic
		return cfg
	}
}

// WithTimeouts overrides the per-call bounds for primary and fallback I/O.
func WithTimeouts(primary, fallback time.Duration) Option {
	return func(cfg Config) Config {
		cfg.PrimaryTimeout = primary
		cfg.FallbackTimeout = fallback
		return cfg
	}
}

// WithOpenTimeout bounds connecting a backend on first use.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(cfg Config) Config {
		cfg.OpenTimeout = timeout
		return cfg
	}
}

// WithMemcachedAddresses sets the memcached servers used by KindDistributedMemory.
func WithMemcachedAddresses(addrs ...string) Option {
	return func(cfg Config) Config {
		cfg.MemcachedAddresses = append([]string(nil), addrs...)
		return cfg
	}
}

// WithRedisClient injects a redis client. The manager does not close injected clients.
func WithRedisClient(client RedisClient) Option {
	return func(cfg Config) Config {
		cfg.RedisClient = client
		return cfg
	}
}

// WithRedisAddr makes the manager dial and own a redis client.
func WithRedisAddr(addr, password string, db int) Option {
	return func(cfg Config) Config {
		cfg.RedisAddr = addr
		cfg.RedisPassword = password
		cfg.RedisDB = db
		return cfg
	}
}

// WithNATSKeyValue injects a bound NATS key-value store.
func WithNATSKeyValue(kv NATSKeyValue) Option {
	return func(cfg Config) Config {
		cfg.NATSKeyValue = kv
		return cfg
	}
}

// WithNATSURL makes the manager connect to NATS and bind bucket.
func WithNATSURL(url, bucket string) Option {
	return func(cfg Config) Config {
		cfg.NATSURL = url
		cfg.NATSBucket = bucket
		return cfg
	}
}

// WithMemoryCleanupInterval overrides the sweep interval of KindLocal.
func WithMemoryCleanupInterval(interval time.Duration) Option {
	return func(cfg Config) Config {
		cfg.MemoryCleanupInterval = interval
		return cfg
	}
}

// WithFallback selects the persistent fallback kind.
func WithFallback(kind Kind) Option {
	return func(cfg Config) Config {
		cfg.Fallback = kind
		return cfg
	}
}

// WithFileDir sets the directory of the file fallback.
func WithFileDir(dir string) Option {
	return func(cfg Config) Config {
		cfg.FileDir = dir
		return cfg
	}
}

// WithSQL configures the sql fallback.
func WithSQL(driverName, dsn, table string) Option {
	return func(cfg Config) Config {
		cfg.SQLDriverName = driverName
		cfg.SQLDSN = dsn
		cfg.SQLTable = table
		return cfg
	}
}

// WithDynamoClient injects a DynamoDB client for the dynamodb fallback.
func WithDynamoClient(client DynamoAPI) Option {
	return func(cfg Config) Config {
		cfg.DynamoClient = client
		return cfg
	}
}

// WithDynamoEndpoint sets region, endpoint and table for a self-built DynamoDB client.
func WithDynamoEndpoint(region, endpoint, table string) Option {
	return func(cfg Config) Config {
		cfg.DynamoRegion = region
		cfg.DynamoEndpoint = endpoint
		cfg.DynamoTable = table
		return cfg
	}
}

// WithCompression enables value compression.
func WithCompression(codec CompressionCodec) Option {
	return func(cfg Config) Config {
		cfg.Compression = codec
		return cfg
	}
}

// WithMaxValueBytes makes backends reject values larger than max bytes.
func WithMaxValueBytes(max int) Option {
	return func(cfg Config) Config {
		cfg.MaxValueBytes = max
		return cfg
	}
}

// WithEncryptionKey enables AES-GCM value encryption.
func WithEncryptionKey(key []byte) Option {
	return func(cfg Config) Config {
		cfg.EncryptionKey = append([]byte(nil), key...)
		return cfg
	}
}

// WithCircuitBreaker trips the primary after failures consecutive unavailable calls
// and keeps it open for cooldown.
func WithCircuitBreaker(failures uint32, cooldown time.Duration) Option {
	return func(cfg Config) Config {
		cfg.BreakerFailures = failures
		cfg.BreakerCooldown = cooldown
		return cfg
	}
}

// WithBackends injects ready-made primary and fallback backends.
func WithBackends(primary, fallback Backend) Option {
	return func(cfg Config) Config {
		cfg.PrimaryBackend = primary
		cfg.FallbackBackend = fallback
		return cfg
	}
}

// WithLogger sets the logger used for absorbed backend failures.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg Config) Config {
		cfg.Logger = logger
		return cfg
	}
}

// WithObserver attaches an operation observer.
func WithObserver(o Observer) Option {
	return func(cfg Config) Config {
		cfg.Observer = o
		return cfg
	}
}

// WithCodec sets the codec used by GetValue and SetValue.
func WithCodec(codec Codec) Option {
	return func(cfg Config) Config {
		cfg.Codec = codec
		return cfg
	}
}
