package sizeclass

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cbehopkins/classcache"
)

var ErrUnordered = errors.New("size classes must be added in increasing size order")

// Table is the ordered set of size classes the allocator serves. Class
// numbers are indexes into the table. A Table is read-only once handed to a
// heap.
type Table struct {
	classes []Descriptor
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{classes: make([]Descriptor, 0)}
}

// Add validates d and appends it as the next class. Sizes must strictly
// increase. Returns the new class number.
func (t *Table) Add(d Descriptor) (int, error) {
	if err := d.Validate(); err != nil {
		return -1, err
	}
	if n := len(t.classes); n > 0 && t.classes[n-1].Size >= d.Size {
		return -1, fmt.Errorf("%w: %d after %d", ErrUnordered, d.Size, t.classes[n-1].Size)
	}
	t.classes = append(t.classes, d)
	return len(t.classes) - 1, nil
}

// Len returns the number of classes.
func (t *Table) Len() int {
	return len(t.classes)
}

// Get returns the descriptor of a class.
func (t *Table) Get(class int) (Descriptor, bool) {
	if class < 0 || class >= len(t.classes) {
		return Descriptor{}, false
	}
	return t.classes[class], true
}

// ClassFor returns the smallest class whose objects hold size bytes.
func (t *Table) ClassFor(size int) (int, bool) {
	if size <= 0 {
		return -1, false
	}
	idx := sort.Search(len(t.classes), func(i int) bool {
		return t.classes[i].Size >= size
	})
	if idx == len(t.classes) {
		return -1, false
	}
	return idx, true
}

// All returns a copy of every descriptor in class order.
func (t *Table) All() []Descriptor {
	out := make([]Descriptor, len(t.classes))
	copy(out, t.classes)
	return out
}

const batchTargetBytes = 64 << 10

// DefaultTable generates classes from 8 bytes to MaxObjectSize. Spacing is
// 16 bytes up to 128 and a quarter of the enclosing power of two above it.
// Each class uses the shortest span keeping tail waste within an eighth.
func DefaultTable() *Table {
	t := NewTable()
	for size := classcache.MinObjectSize; size <= classcache.MaxObjectSize; size = nextSize(size) {
		d, ok := defaultDescriptor(size)
		if !ok {
			continue
		}
		if _, err := t.Add(d); err != nil {
			// Generated descriptors are validated by defaultDescriptor.
			panic(err)
		}
	}
	return t
}

func nextSize(size int) int {
	if size < 16 {
		return 16
	}
	if size < 128 {
		return size + 16
	}
	pow := 1
	for pow*2 <= size {
		pow *= 2
	}
	return size + pow/4
}

func defaultDescriptor(size int) (Descriptor, bool) {
	batch := batchTargetBytes / size
	if batch > classcache.MaxObjectsToMove {
		batch = classcache.MaxObjectsToMove
	}
	if batch < 2 {
		batch = 2
	}

	minPages := (size + classcache.PageSize - 1) / classcache.PageSize
	for pages := minPages; pages <= classcache.MaxPagesPerSpan; pages++ {
		spanBytes := pages * classcache.PageSize
		if spanBytes%size > spanBytes/8 {
			continue
		}
		d, err := New(size, pages, batch)
		if err != nil {
			continue
		}
		return d, true
	}
	return Descriptor{}, false
}
