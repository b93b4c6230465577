// Package cachetest provides a reusable contract suite for cachecore.Backend
// implementations.
//
// Example pattern:
//
//	func TestRedisBackendContract(t *testing.T) {
//		backend := newTestRedisBackend(t)
//		cachetest.RunBackendContract(t, backend, cachetest.Options{
//			CaseName: t.Name(),
//			TTL:      time.Second,
//			TTLWait:  1500 * time.Millisecond,
//		})
//	}
package cachetest
