// Package types defines the contracts between the caching core and its
// external collaborators.
//
// Core design principle: the central free list and transfer cache only ever
// see these narrow interfaces, so every collaborator can be replaced by a test
// double that controls allocation failure, time and residency exactly.
//
// Interface hierarchy:
//   - SpanAllocator: page-level span supply, release and address lookup
//   - FreeList: what a transfer cache needs from the layer below it
//   - Residency: optional OS page residency introspection
package types

import (
	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/span"
)

// SpanAllocator supplies and reclaims whole spans.
type SpanAllocator interface {
	// AllocateSpan returns an uncarved span of the given number of pages.
	// Returns ErrOutOfMemory (possibly wrapped) when no span can be supplied.
	AllocateSpan(pages int) (*span.Span, error)

	// DeallocateSpan takes back a span previously returned by AllocateSpan.
	// The span must not be used afterwards.
	DeallocateSpan(s *span.Span)

	// SpanOf returns the live span whose page range contains addr, or nil.
	// Must run in constant time.
	SpanOf(addr classcache.Addr) *span.Span
}

// FreeList is the batch interface a transfer cache spills to and refills
// from. The central free list implements it.
type FreeList interface {
	// RemoveRange fills up to len(batch) objects and returns the count.
	// A short count without error means the class is exhausted.
	RemoveRange(batch []classcache.Addr) (int, error)

	// InsertRange returns every object in batch.
	InsertRange(batch []classcache.Addr) error
}

// Residency reports how much of an address range is backed by memory.
type Residency interface {
	// Get returns residency for size bytes at addr. ok is false when the
	// range cannot be queried.
	Get(addr uintptr, size int) (info ResidencyInfo, ok bool)
}
