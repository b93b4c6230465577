package cachecore

// Kind identifies a backend implementation.
type Kind string

const (
	// KindDistributedMemory is a memcached cluster.
	KindDistributedMemory Kind = "memory-distributed"
	// KindKeyValue is a redis-compatible key-value server.
	KindKeyValue Kind = "kv-store"
	// KindNATS is a NATS JetStream key-value bucket.
	KindNATS Kind = "nats-kv"
	// KindLocal is an in-process cache owned by the current process.
	KindLocal Kind = "local-process"

	// KindFile is the filesystem fallback store.
	KindFile Kind = "file"
	// KindSQL is the database/sql fallback store.
	KindSQL Kind = "sql"
	// KindDynamo is the DynamoDB fallback store.
	KindDynamo Kind = "dynamodb"
)

var kindAliases = map[string]Kind{
	"memcached": KindDistributedMemory,
	"redis":     KindKeyValue,
	"nats":      KindNATS,
	"memory":    KindLocal,
	"local":     KindLocal,
	"sqlite":    KindSQL,
	"dynamo":    KindDynamo,
}

// ParseKind resolves a configured backend name. Unknown names are returned as-is so
// construction can reject them with ErrUnsupportedBackend.
func ParseKind(name string) Kind {
	if k, ok := kindAliases[name]; ok {
		return k
	}
	return Kind(name)
}

// IsPrimary reports whether k may serve as the primary backend.
func (k Kind) IsPrimary() bool {
	switch k {
	case KindDistributedMemory, KindKeyValue, KindNATS, KindLocal:
		return true
	}
	return false
}

// IsFallback reports whether k may serve as the persistent fallback backend.
func (k Kind) IsFallback() bool {
	switch k {
	case KindFile, KindSQL, KindDynamo:
		return true
	}
	return false
}
