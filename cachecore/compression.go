package cachecore

// CompressionCodec selects how values are compressed before they reach a backend.
type CompressionCodec string

const (
	CompressionNone CompressionCodec = "none"
	CompressionGzip CompressionCodec = "gzip"
)
