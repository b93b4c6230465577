package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/layercache/cache/cachecore"
)

const (
	defaultNamespace             = "cache"
	defaultTTLStatic             = 365 * 24 * time.Hour
	defaultTTLDynamic            = time.Hour
	defaultPrimaryTimeout        = 200 * time.Millisecond
	defaultFallbackTimeout       = 2 * time.Second
	defaultOpenTimeout           = 5 * time.Second
	defaultMemoryCleanupInterval = 10 * time.Minute
	defaultSQLTable              = "cache_entries"
	defaultDynamoTable           = "cache_entries"
	defaultDynamoRegion          = "us-east-1"
	defaultNATSBucket            = "cache"
	defaultBreakerCooldown       = 30 * time.Second

	// insecureSalt is only accepted outside production.
	insecureSalt = "default_salt"
)

func defaultFileDir() string {
	return filepath.Join(os.TempDir(), "cache-fallback")
}

// Config controls how a Manager is constructed. It is read once; the manager never
// reloads it.
type Config struct {
	// Backend selects the primary store.
	Backend Kind
	// Fallback selects the persistent fallback store. Defaults to KindFile.
	Fallback Kind

	// Namespace is mixed into every derived key.
	Namespace string
	// Salt is appended to every key before hashing.
	Salt string
	// SecretKey and SecretSalt form the salt when Salt is empty.
	SecretKey  string
	SecretSalt string
	// Production rejects an unset salt instead of using a fixed literal.
	Production bool

	TTLStatic  time.Duration
	TTLDynamic time.Duration

	// PrimaryTimeout bounds every primary backend call.
	PrimaryTimeout time.Duration
	// FallbackTimeout bounds every fallback backend call.
	FallbackTimeout time.Duration
	// OpenTimeout bounds connecting a backend on first use.
	OpenTimeout time.Duration

	// MemcachedAddresses is used by KindDistributedMemory.
	MemcachedAddresses []string

	// RedisClient is used by KindKeyValue. When nil, a client is dialed from RedisAddr
	// and owned by the manager.
	RedisClient   RedisClient
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATSKeyValue is used by KindNATS. When nil, a connection to NATSURL is opened and
	// the NATSBucket key-value store is bound or created.
	NATSKeyValue NATSKeyValue
	NATSURL      string
	NATSBucket   string

	// MemoryCleanupInterval controls expiry sweeps of KindLocal.
	MemoryCleanupInterval time.Duration

	// FileDir is where KindFile writes entries.
	FileDir string

	// SQLDriverName, SQLDSN and SQLTable configure KindSQL.
	SQLDriverName string
	SQLDSN        string
	SQLTable      string

	// DynamoClient is used by KindDynamo. When nil, a client is built from the region
	// and endpoint.
	DynamoClient   DynamoAPI
	DynamoRegion   string
	DynamoEndpoint string
	DynamoTable    string

	// Compression and MaxValueBytes shape values before they reach any backend.
	Compression   CompressionCodec
	MaxValueBytes int
	// EncryptionKey enables AES-GCM encryption of values (16, 24 or 32 bytes).
	EncryptionKey []byte

	// BreakerFailures trips the primary circuit breaker after that many consecutive
	// unavailable calls. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// PrimaryBackend and FallbackBackend bypass kind-based construction.
	PrimaryBackend  Backend
	FallbackBackend Backend

	Logger   *zap.Logger
	Observer Observer
	Codec    Codec
}

func (c Config) withDefaults() Config {
	if c.Fallback == "" {
		c.Fallback = KindFile
	}
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.TTLStatic <= 0 {
		c.TTLStatic = defaultTTLStatic
	}
	if c.TTLDynamic <= 0 {
		c.TTLDynamic = defaultTTLDynamic
	}
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = defaultPrimaryTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = defaultFallbackTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanupInterval
	}
	if c.FileDir == "" {
		c.FileDir = defaultFileDir()
	}
	if c.SQLTable == "" {
		c.SQLTable = defaultSQLTable
	}
	if c.DynamoTable == "" {
		c.DynamoTable = defaultDynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = defaultDynamoRegion
	}
	if c.NATSBucket == "" {
		c.NATSBucket = defaultNATSBucket
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Codec == nil {
		c.Codec = JSONCodec{}
	}
	return c
}

// validate rejects configurations that can never work.
func (c Config) validate() error {
	if c.PrimaryBackend == nil && !c.Backend.IsPrimary() {
		return fmt.Errorf("%w: primary %q", ErrUnsupportedBackend, c.Backend)
	}
	if c.FallbackBackend == nil && !c.Fallback.IsFallback() {
		return fmt.Errorf("%w: fallback %q", ErrUnsupportedBackend, c.Fallback)
	}
	if c.PrimaryBackend == nil {
		if err := c.validateConnection(c.Backend); err != nil {
			return err
		}
	}
	if c.FallbackBackend == nil {
		if err := c.validateConnection(c.Fallback); err != nil {
			return err
		}
	}
	if err := validateCompression(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if c.MaxValueBytes < 0 {
		return cachecore.Invalid("max value bytes must not be negative")
	}
	switch len(c.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("%w: %v", ErrInvalidArgument, ErrEncryptionKey)
	}
	if _, err := c.resolveSalt(); err != nil {
		return err
	}
	return nil
}

// validateConnection checks that kind has the parameters it needs to connect.
func (c Config) validateConnection(kind Kind) error {
	switch kind {
	case KindDistributedMemory:
		if len(c.MemcachedAddresses) == 0 {
			return cachecore.Invalid("%s requires memcached addresses", kind)
		}
		if err := validateMemcachedNamespace(c.Namespace); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	case KindKeyValue:
		if c.RedisClient == nil && c.RedisAddr == "" {
			return cachecore.Invalid("%s requires a redis client or address", kind)
		}
	case KindNATS:
		if c.NATSKeyValue == nil && c.NATSURL == "" {
			return cachecore.Invalid("%s requires a key-value handle or url", kind)
		}
	case KindSQL:
		if c.SQLDriverName == "" || c.SQLDSN == "" {
			return cachecore.Invalid("%s requires driver name and dsn", kind)
		}
		if err := validateSQLTableName(c.SQLTable); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	return nil
}

// resolveSalt picks the explicit salt, then the two configured secrets, then the
// fixed literal outside production.
func (c Config) resolveSalt() (string, error) {
	switch {
	case c.Salt != "":
		return c.Salt, nil
	case c.SecretKey != "" && c.SecretSalt != "":
		return c.SecretKey + c.SecretSalt, nil
	case c.Production:
		return "", ErrMisconfiguredSalt
	default:
		return insecureSalt, nil
	}
}
