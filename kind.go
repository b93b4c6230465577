package cache

import "github.com/layercache/cache/cachecore"

// Kind identifies a backend implementation.
type Kind = cachecore.Kind

// Backend is the capability set every store implements.
type Backend = cachecore.Backend

const (
	KindDistributedMemory = cachecore.KindDistributedMemory
	KindKeyValue          = cachecore.KindKeyValue
	KindNATS              = cachecore.KindNATS
	KindLocal             = cachecore.KindLocal
	KindFile              = cachecore.KindFile
	KindSQL               = cachecore.KindSQL
	KindDynamo            = cachecore.KindDynamo
)

var (
	ErrInvalidArgument    = cachecore.ErrInvalidArgument
	ErrUnsupportedBackend = cachecore.ErrUnsupportedBackend
	ErrBackendUnavailable = cachecore.ErrBackendUnavailable
	ErrMisconfiguredSalt  = cachecore.ErrMisconfiguredSalt
	ErrClosed             = cachecore.ErrClosed
)
