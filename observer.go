package cache

import (
	"context"
	"time"
)

// Observer receives one event per backend call made by a Manager. op is one of
// "get", "set", "delete" or "scan"; key is the storage key or the scanned prefix.
type Observer interface {
	OnCacheOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, kind Kind)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, kind Kind)

// OnCacheOp implements Observer.
func (f ObserverFunc) OnCacheOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, kind Kind) {
	if f == nil {
		return
	}
	f(ctx, op, key, hit, err, dur, kind)
}
