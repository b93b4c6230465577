package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/layercache/cache/cachecore"
)

// errDecode is logged when a stored payload no longer decodes into the requested
// type; the read is reported as a miss.
var errDecode = errors.New("cache: stored value does not decode")

// GetValue reads reference and scope and decodes the payload with the manager's
// Codec. A payload that no longer decodes into T is logged and reported as a miss.
// @group Typed
//
// Example: typed read
//
//	type Profile struct{ Name string }
//	p, ok, _ := cache.GetValue[Profile](ctx, m, "profile", "user1")
//	fmt.Println(ok, p.Name) // true Jane
func GetValue[T any](ctx context.Context, m *Manager, reference, scope string) (T, bool, error) {
	var zero T
	body, ok, err := m.Get(ctx, reference, scope)
	if err != nil || !ok {
		return zero, false, err
	}
	var out T
	if err := m.codec.Unmarshal(body, &out); err != nil {
		m.logger.Warn("cache value decode failed",
			zap.String("reference", reference),
			zap.Error(errDecode),
			zap.NamedError("cause", err))
		return zero, false, nil
	}
	return out, true, nil
}

// SetValue encodes value with the manager's Codec and stores it. A value the codec
// cannot encode is an ErrInvalidArgument.
// @group Typed
func SetValue[T any](ctx context.Context, m *Manager, reference, scope string, value T, class TTLClass) (bool, error) {
	body, err := m.codec.Marshal(value)
	if err != nil {
		return false, cachecore.Invalid("encode value: %v", err)
	}
	return m.Set(ctx, reference, scope, body, class)
}

// RememberValue is the typed form of Manager.Remember.
// @group Typed
func RememberValue[T any](ctx context.Context, m *Manager, reference, scope string, class TTLClass, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, cachecore.Invalid("remember requires a callback")
	}
	out, ok, err := GetValue[T](ctx, m, reference, scope)
	if err != nil {
		return zero, err
	}
	if ok {
		return out, nil
	}
	value, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	if _, err := SetValue(ctx, m, reference, scope, value, class); err != nil {
		return zero, err
	}
	return value, nil
}
