// Package residency reports how much of an address range is backed by
// physical memory, resident or swapped.
package residency

import "github.com/cbehopkins/classcache/allocator/types"

// Info is the result of a residency query.
type Info = types.ResidencyInfo

// ErrUnsupported is returned by Open on platforms without a page map.
var ErrUnsupported = types.ErrUnsupported

// pagemap entry flags.
const (
	entryPresent = 1 << 63
	entrySwapped = 1 << 62
)

// entriesPerRead bounds one pread of the page map.
const entriesPerRead = 512

// classify adds the bytes of one OS page overlapping [lo, hi) to info.
func classify(info *Info, entry uint64, pageStart, pageSize, lo, hi uintptr) {
	start, end := max(pageStart, lo), min(pageStart+pageSize, hi)
	if end <= start {
		return
	}
	n := uint64(end - start)
	switch {
	case entry&entryPresent != 0:
		info.BytesResident += n
	case entry&entrySwapped != 0:
		info.BytesSwapped += n
	default:
		info.BytesUnbacked += n
	}
}
