package types

import "errors"

// Common error values shared by span allocators and their callers.
var (
	// ErrOutOfMemory indicates the span allocator cannot supply a span.
	ErrOutOfMemory = errors.New("span allocator out of memory")

	// ErrUnsupported indicates the platform lacks a facility.
	ErrUnsupported = errors.New("operation not supported")

	// ErrBatchTooLarge indicates a batch longer than the class batch size.
	ErrBatchTooLarge = errors.New("batch exceeds class batch size")
)

// ResidencyInfo is the result of a residency query.
type ResidencyInfo struct {
	BytesResident uint64
	BytesSwapped  uint64
	BytesUnbacked uint64
}

// Add accumulates another query result.
func (r *ResidencyInfo) Add(o ResidencyInfo) {
	r.BytesResident += o.BytesResident
	r.BytesSwapped += o.BytesSwapped
	r.BytesUnbacked += o.BytesUnbacked
}
