package cache

import (
	"context"
	"time"

	"github.com/layercache/cache/cachecore"
)

// errorBackend stands in for a backend that failed to open. It keeps the kind so
// logs and observers still name the configured backend, and reports every call as
// unavailable.
type errorBackend struct {
	kind Kind
	err  error
}

func newErrorBackend(kind Kind, err error) *errorBackend {
	return &errorBackend{kind: kind, err: cachecore.Unavailable(kind, "open", err)}
}

func (e *errorBackend) Kind() Kind                                        { return e.kind }
func (e *errorBackend) Get(context.Context, string) ([]byte, bool, error) { return nil, false, e.err }
func (e *errorBackend) Set(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, e.err
}
func (e *errorBackend) Delete(context.Context, string) error                { return e.err }
func (e *errorBackend) ScanPrefix(context.Context, string) ([]string, error) { return nil, e.err }
func (e *errorBackend) Close() error                                        { return nil }
