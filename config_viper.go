package cache

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/layercache/cache/cachecore"
)

// Settings is the file and environment form of Config.
type Settings struct {
	Backend    string `mapstructure:"backend"`
	Fallback   string `mapstructure:"fallback"`
	Namespace  string `mapstructure:"namespace"`
	Salt       string `mapstructure:"salt"`
	SecretKey  string `mapstructure:"secret_key"`
	SecretSalt string `mapstructure:"secret_salt"`
	Production bool   `mapstructure:"production"`
	Codec      string `mapstructure:"codec"`

	TTL       TTLSettings       `mapstructure:"ttl"`
	Timeouts  TimeoutSettings   `mapstructure:"timeouts"`
	Memcached MemcachedSettings `mapstructure:"memcached"`
	Redis     RedisSettings     `mapstructure:"redis"`
	NATS      NATSSettings      `mapstructure:"nats"`
	Memory    MemorySettings    `mapstructure:"memory"`
	File      FileSettings      `mapstructure:"file"`
	SQL       SQLSettings       `mapstructure:"sql"`
	Dynamo    DynamoSettings    `mapstructure:"dynamo"`
	Values    ValueSettings     `mapstructure:"values"`
	Breaker   BreakerSettings   `mapstructure:"breaker"`
}

type TTLSettings struct {
	Static  time.Duration `mapstructure:"static"`
	Dynamic time.Duration `mapstructure:"dynamic"`
}

type TimeoutSettings struct {
	Primary  time.Duration `mapstructure:"primary"`
	Fallback time.Duration `mapstructure:"fallback"`
	Open     time.Duration `mapstructure:"open"`
}

type MemcachedSettings struct {
	Addresses []string `mapstructure:"addresses"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSSettings struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

type MemorySettings struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type FileSettings struct {
	Dir string `mapstructure:"dir"`
}

type SQLSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

type DynamoSettings struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Table    string `mapstructure:"table"`
}

// ValueSettings shapes stored values. EncryptionKey is standard base64.
type ValueSettings struct {
	Compression   string `mapstructure:"compression"`
	MaxBytes      int    `mapstructure:"max_bytes"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

type BreakerSettings struct {
	Failures uint32        `mapstructure:"failures"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// LoadConfig decodes v into a Config. Pass v.Sub("cache") to read a nested section.
// Defaults are applied when the Manager is built.
// @group Config
//
// Example: yaml file plus environment
//
//	v := viper.New()
//	v.SetConfigFile("cache.yaml")
//	v.SetEnvPrefix("CACHE")
//	v.AutomaticEnv()
//	_ = v.ReadInConfig()
//	cfg, err := cache.LoadConfig(v)
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, cachecore.Invalid("viper instance is required")
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Config{}, fmt.Errorf("decode cache settings: %w", err)
	}
	return s.Config()
}

// Config converts s into a Config.
func (s Settings) Config() (Config, error) {
	cfg := Config{
		Backend:               cachecore.ParseKind(strings.ToLower(strings.TrimSpace(s.Backend))),
		Namespace:             s.Namespace,
		Salt:                  s.Salt,
		SecretKey:             s.SecretKey,
		SecretSalt:            s.SecretSalt,
		Production:            s.Production,
		TTLStatic:             s.TTL.Static,
		TTLDynamic:            s.TTL.Dynamic,
		PrimaryTimeout:        s.Timeouts.Primary,
		FallbackTimeout:       s.Timeouts.Fallback,
		OpenTimeout:           s.Timeouts.Open,
		MemcachedAddresses:    s.Memcached.Addresses,
		RedisAddr:             s.Redis.Addr,
		RedisPassword:         s.Redis.Password,
		RedisDB:               s.Redis.DB,
		NATSURL:               s.NATS.URL,
		NATSBucket:            s.NATS.Bucket,
		MemoryCleanupInterval: s.Memory.CleanupInterval,
		FileDir:               s.File.Dir,
		SQLDriverName:         s.SQL.Driver,
		SQLDSN:                s.SQL.DSN,
		SQLTable:              s.SQL.Table,
		DynamoRegion:          s.Dynamo.Region,
		DynamoEndpoint:        s.Dynamo.Endpoint,
		DynamoTable:           s.Dynamo.Table,
		Compression:           CompressionCodec(strings.ToLower(s.Values.Compression)),
		MaxValueBytes:         s.Values.MaxBytes,
		BreakerFailures:       s.Breaker.Failures,
		BreakerCooldown:       s.Breaker.Cooldown,
	}
	if s.Fallback != "" {
		cfg.Fallback = cachecore.ParseKind(strings.ToLower(strings.TrimSpace(s.Fallback)))
	}
	if s.Values.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(s.Values.EncryptionKey)
		if err != nil {
			return Config{}, cachecore.Invalid("encryption key is not base64: %v", err)
		}
		cfg.EncryptionKey = key
	}
	switch strings.ToLower(s.Codec) {
	case "", "json":
		cfg.Codec = JSONCodec{}
	case "msgpack":
		cfg.Codec = MsgpackCodec{}
	default:
		return Config{}, cachecore.Invalid("unknown codec %q", s.Codec)
	}
	return cfg, nil
}
