package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"github.com/layercache/cache/cachecore"
)

// groupTagLen is the number of hex characters kept from the group digest.
const groupTagLen = 16

// CacheKey is the hex SHA-256 digest identifying one entry.
type CacheKey string

// ScopeGroup labels the entries that belong together for invalidation: the scope
// when one is given, otherwise the reference.
type ScopeGroup string

// KeyCodec derives namespaced, salted, hashed keys. It is immutable and safe for
// concurrent use.
type KeyCodec struct {
	namespace string
	salt      string
}

// NewKeyCodec returns a codec for namespace and salt.
func NewKeyCodec(namespace, salt string) *KeyCodec {
	return &KeyCodec{namespace: namespace, salt: salt}
}

// DeriveKey hashes namespace, scope, reference and salt into a CacheKey. An empty
// scope means no scope.
//
// The parts are joined with "_" unescaped, so pairs such as scope "a_b" with
// reference "c" and scope "a" with reference "b_c" share a CacheKey. Backends are
// addressed by StorageKey, whose group prefix keeps such pairs apart.
func (c *KeyCodec) DeriveKey(reference, scope string) (CacheKey, error) {
	if err := checkInput(reference, scope); err != nil {
		return "", err
	}
	raw := c.namespace + "_" + scope + "_" + reference + c.salt
	sum := sha256.Sum256([]byte(raw))
	return CacheKey(hex.EncodeToString(sum[:])), nil
}

// Group returns the invalidation group of reference and scope.
func (c *KeyCodec) Group(reference, scope string) ScopeGroup {
	if scope != "" {
		return ScopeGroup(scope)
	}
	return ScopeGroup(reference)
}

// GroupPrefix returns the storage prefix shared by every entry of the group that
// reference and scope belong to. Scoped and unscoped groups never share a prefix.
func (c *KeyCodec) GroupPrefix(reference, scope string) string {
	marker := "ref"
	if scope != "" {
		marker = "scope"
	}
	raw := c.namespace + "_" + marker + "_" + string(c.Group(reference, scope)) + c.salt
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:groupTagLen] + ":"
}

// StorageKey is the key handed to backends: the group prefix followed by the digest.
func (c *KeyCodec) StorageKey(reference, scope string) (string, error) {
	key, err := c.DeriveKey(reference, scope)
	if err != nil {
		return "", err
	}
	return c.GroupPrefix(reference, scope) + string(key), nil
}

func checkInput(reference, scope string) error {
	if reference == "" {
		return cachecore.Invalid("reference must not be empty")
	}
	if !utf8.ValidString(reference) {
		return cachecore.Invalid("reference is not valid text")
	}
	if !utf8.ValidString(scope) {
		return cachecore.Invalid("scope is not valid text")
	}
	return nil
}
