// Package sizeclass describes the immutable per-class parameters that the
// central free list and transfer cache are built from.
package sizeclass

import (
	"errors"
	"fmt"

	"github.com/cbehopkins/classcache"
)

// ErrInvalidSizeClass is wrapped by every descriptor validation failure.
var ErrInvalidSizeClass = errors.New("invalid size class")

// Descriptor holds the parameters of one size class.
type Descriptor struct {
	// Size is the object size in bytes.
	Size int
	// Pages is the number of allocator pages in each span of the class.
	Pages int
	// ObjectsPerSpan is the number of objects carved from each span.
	ObjectsPerSpan int
	// BatchSize is the largest number of objects moved in one transfer.
	BatchSize int
}

// IsValidSizeClass reports whether a class of size-byte objects in spans of
// pages pages, moved in batches of batch objects, is a usable configuration.
func IsValidSizeClass(size, pages, batch int) bool {
	return check(size, pages, batch) == nil
}

func check(size, pages, batch int) error {
	switch {
	case size < classcache.MinObjectSize:
		return fmt.Errorf("%w: object size %d below %d", ErrInvalidSizeClass, size, classcache.MinObjectSize)
	case size > classcache.MaxObjectSize:
		return fmt.Errorf("%w: object size %d above %d", ErrInvalidSizeClass, size, classcache.MaxObjectSize)
	case size%classcache.ObjectAlignment != 0:
		return fmt.Errorf("%w: object size %d not %d-byte aligned", ErrInvalidSizeClass, size, classcache.ObjectAlignment)
	case pages <= 0 || pages > classcache.MaxPagesPerSpan:
		return fmt.Errorf("%w: %d pages per span", ErrInvalidSizeClass, pages)
	case batch < 2 || batch > classcache.MaxObjectsToMove:
		return fmt.Errorf("%w: batch size %d outside [2, %d]", ErrInvalidSizeClass, batch, classcache.MaxObjectsToMove)
	}

	objects := pages * classcache.PageSize / size
	if objects < 1 || objects > classcache.MaxObjectsPerSpan {
		return fmt.Errorf("%w: %d objects per span", ErrInvalidSizeClass, objects)
	}
	// A span that would hold the same objects one page shorter wastes a page.
	if pages > 1 && (pages-1)*classcache.PageSize/size >= objects {
		return fmt.Errorf("%w: %d-page span of %d-byte objects wastes a page", ErrInvalidSizeClass, pages, size)
	}
	return nil
}

// New builds a validated descriptor, deriving the objects per span.
func New(size, pages, batch int) (Descriptor, error) {
	if err := check(size, pages, batch); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Size:           size,
		Pages:          pages,
		ObjectsPerSpan: pages * classcache.PageSize / size,
		BatchSize:      batch,
	}, nil
}

// Validate checks a descriptor assembled by hand.
func (d Descriptor) Validate() error {
	if err := check(d.Size, d.Pages, d.BatchSize); err != nil {
		return err
	}
	if d.ObjectsPerSpan < 1 || d.ObjectsPerSpan*d.Size > d.Pages*classcache.PageSize {
		return fmt.Errorf("%w: %d objects of %d bytes do not fit %d pages",
			ErrInvalidSizeClass, d.ObjectsPerSpan, d.Size, d.Pages)
	}
	return nil
}

// SpanBytes returns the byte length of one span.
func (d Descriptor) SpanBytes() int {
	return d.Pages * classcache.PageSize
}

// OverheadBytes returns the unused tail of one span.
func (d Descriptor) OverheadBytes() int {
	return d.SpanBytes() - d.ObjectsPerSpan*d.Size
}

func (d Descriptor) String() string {
	return fmt.Sprintf("{size=%d pages=%d objects=%d batch=%d}", d.Size, d.Pages, d.ObjectsPerSpan, d.BatchSize)
}

const (
	initialCapacityInBatches = 16
	maxCapacityInBatches     = 64
)

// Capacity holds the starting and ceiling transfer cache capacity of a class,
// in objects.
type Capacity struct {
	Initial int
	Max     int
}

// CapacityFor derives the transfer cache capacity for a class. Both bounds are
// limited to maxBytes worth of objects but never drop below one batch. A
// non-positive maxBytes leaves the batch-count defaults unlimited.
func CapacityFor(d Descriptor, maxBytes int64) Capacity {
	batch := d.BatchSize
	c := Capacity{
		Initial: initialCapacityInBatches * batch,
		Max:     maxCapacityInBatches * batch,
	}
	if maxBytes > 0 && d.Size > 0 {
		limit := int(maxBytes / int64(d.Size))
		limit -= limit % batch
		if limit < batch {
			limit = batch
		}
		if c.Max > limit {
			c.Max = limit
		}
	}
	if c.Initial > c.Max {
		c.Initial = c.Max
	}
	return c
}
