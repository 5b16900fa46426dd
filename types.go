package classcache

// Addr is the address of an object slot handed out by the allocator.
// A zero Addr never refers to a valid object.
type Addr uintptr

// PageID identifies an allocator page (not an OS page).
type PageID uintptr

const (
	// PageShift is log2 of the allocator page size.
	PageShift = 13
	// PageSize is the allocator page size. It is independent of the OS page
	// size; spans are always a whole number of these.
	PageSize = 1 << PageShift

	// MaxObjectsToMove is the hard ceiling on the number of objects moved
	// between layers in a single batch.
	MaxObjectsToMove = 32

	// MinObjectSize is the smallest object a size class may hold. Free slots
	// carry the next free slot index, so they must be at least this large.
	MinObjectSize = 8
	// ObjectAlignment is the alignment every object size must respect.
	ObjectAlignment = 8
	// MaxObjectSize is the largest object served through size classes.
	MaxObjectSize = 256 << 10

	// MaxPagesPerSpan bounds the length of a span for a size class.
	MaxPagesPerSpan = 255
	// MaxObjectsPerSpan bounds the number of slots in one span.
	MaxObjectsPerSpan = 1<<16 - 1
)

// PageOf returns the page containing addr.
func PageOf(addr Addr) PageID {
	return PageID(addr >> PageShift)
}

// Addr returns the first address of the page.
func (p PageID) Addr() Addr {
	return Addr(p) << PageShift
}
