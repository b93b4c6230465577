package cache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/layercache/cache/cachecore"
)

// purgeConcurrency bounds the deletes a purge keeps in flight.
const purgeConcurrency = 8

// Lifecycle closes a manager's connections and tears down groups of entries.
type Lifecycle struct {
	keys     *KeyCodec
	dispatch *dispatcher
}

// CloseAll closes the primary and fallback connections. It is idempotent; only the
// first call closes anything and reports close failures.
func (l *Lifecycle) CloseAll() error {
	err := l.dispatch.registry.CloseAll()
	if err != nil {
		l.dispatch.logger.Warn("cache backend close failed", zap.Error(err))
	}
	return err
}

// PurgePrefix deletes every fallback entry whose storage key starts with prefix and
// returns how many were removed. The same keys are also deleted from the primary.
// A failed scan removes nothing and is logged, not returned.
func (l *Lifecycle) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, cachecore.Invalid("purge prefix must not be empty")
	}
	var keys []string
	scan := func(ctx context.Context, b Backend) (bool, error) {
		found, err := b.ScanPrefix(ctx, prefix)
		keys = found
		return len(found) > 0, err
	}
	if _, err := l.dispatch.call(ctx, roleFallback, "scan", prefix, scan); err != nil {
		return 0, nil
	}

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeConcurrency)
	for _, key := range keys {
		remove := func(ctx context.Context, b Backend) (bool, error) {
			return true, b.Delete(ctx, key)
		}
		g.Go(func() error {
			if _, err := l.dispatch.call(gctx, roleFallback, "delete", key, remove); err == nil {
				removed.Add(1)
			}
			_, _ = l.dispatch.call(gctx, rolePrimary, "delete", key, remove)
			return nil
		})
	}
	_ = g.Wait()
	return int(removed.Load()), nil
}

// PurgeScope purges the group that reference and scope belong to: every entry of
// the scope when one is given, otherwise every unscoped entry of the reference.
func (l *Lifecycle) PurgeScope(ctx context.Context, reference, scope string) (int, error) {
	if err := checkInput(reference, scope); err != nil {
		return 0, err
	}
	return l.PurgePrefix(ctx, l.keys.GroupPrefix(reference, scope))
}

// CloseAndPurge is the shutdown path for a scope: Dynamic entries of the group are
// purged before the connections close, Static entries are kept. An unknown class
// is rejected and nothing is closed.
func (l *Lifecycle) CloseAndPurge(ctx context.Context, class TTLClass, reference, scope string) (int, error) {
	if err := checkInput(reference, scope); err != nil {
		return 0, err
	}
	if err := class.validate(); err != nil {
		return 0, err
	}
	var removed int
	if class == Dynamic {
		removed, _ = l.PurgeScope(ctx, reference, scope)
	}
	return removed, l.CloseAll()
}
