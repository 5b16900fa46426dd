package span

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/cbehopkins/classcache"
)

var (
	ErrOutOfRange    = errors.New("address not in span")
	ErrMisaligned    = errors.New("address is not the start of a slot")
	ErrNotCarved     = errors.New("span has not been carved into objects")
	ErrInvalidLayout = errors.New("object layout does not fit span")
	ErrShortMemory   = errors.New("backing memory shorter than span")
)

// endOfList terminates the intrusive free list.
const endOfList = ^uint32(0)

// State records which grouping of its owning central free list a span is
// filed in.
type State uint8

const (
	StateUnowned State = iota
	StateNonFull
	StateFull
)

func (s State) String() string {
	switch s {
	case StateNonFull:
		return "nonfull"
	case StateFull:
		return "full"
	default:
		return "unowned"
	}
}

// Tag is the list bookkeeping the owning central free list keeps on the span.
// Bucket and Index locate the span inside its list so it can be detached in
// constant time.
type Tag struct {
	State  State
	Bucket int
	Index  int
}

// Span is one contiguous run of pages carved into equal sized object slots.
// Free slots are threaded into a singly linked list whose next-slot indices
// live in the first four bytes of each free slot.
//
// A Span is not safe for concurrent use; its owner serialises access.
type Span struct {
	start classcache.Addr
	pages int
	mem   []byte

	class      int
	objectSize int
	total      int
	allocated  int
	freeHead   uint32
	created    time.Time

	tag Tag
}

// New returns a span covering pages pages at start, backed by mem.
func New(start classcache.Addr, pages int, mem []byte) *Span {
	s := &Span{}
	s.Reset(start, pages, mem)
	return s
}

// Reset rebinds a span to a new page range, discarding any carving. Span
// allocators that keep an arena of Span values use it to recycle them.
func (s *Span) Reset(start classcache.Addr, pages int, mem []byte) {
	*s = Span{
		start:    start,
		pages:    pages,
		mem:      mem,
		class:    -1,
		freeHead: endOfList,
	}
}

// Carve splits the span into objects of objectSize bytes and threads all of
// them onto the free list, lowest address first.
func (s *Span) Carve(class, objectSize, objects int, now time.Time) error {
	if objectSize < classcache.MinObjectSize || objects <= 0 {
		return ErrInvalidLayout
	}
	if objectSize*objects > s.Bytes() {
		return ErrInvalidLayout
	}
	if len(s.mem) < objectSize*objects {
		return ErrShortMemory
	}

	s.class = class
	s.objectSize = objectSize
	s.total = objects
	s.allocated = 0
	s.created = now
	s.tag = Tag{}

	for i := 0; i < objects-1; i++ {
		s.setNext(uint32(i), uint32(i+1))
	}
	s.setNext(uint32(objects-1), endOfList)
	s.freeHead = 0
	return nil
}

// PopBatch takes up to len(batch) objects off the free list and returns how
// many were written into batch.
func (s *Span) PopBatch(batch []classcache.Addr) int {
	n := 0
	for n < len(batch) && s.freeHead != endOfList {
		slot := s.freeHead
		s.freeHead = s.next(slot)
		batch[n] = s.slotAddr(slot)
		n++
	}
	s.allocated += n
	return n
}

// Push returns one object to the free list. It reports whether the span was
// full before the push.
func (s *Span) Push(addr classcache.Addr) (wasFull bool, err error) {
	slot, err := s.SlotOf(addr)
	if err != nil {
		return false, err
	}
	wasFull = s.freeHead == endOfList
	s.setNext(uint32(slot), s.freeHead)
	s.freeHead = uint32(slot)
	s.allocated--
	return wasFull, nil
}

// SlotOf maps an address to its slot index by address arithmetic.
func (s *Span) SlotOf(addr classcache.Addr) (int, error) {
	if s.total == 0 {
		return 0, ErrNotCarved
	}
	if !s.Contains(addr) {
		return 0, ErrOutOfRange
	}
	off := int(addr - s.start)
	if off%s.objectSize != 0 {
		return 0, ErrMisaligned
	}
	slot := off / s.objectSize
	if slot >= s.total {
		return 0, ErrOutOfRange
	}
	return slot, nil
}

// Contains reports whether addr falls inside the span's page range.
func (s *Span) Contains(addr classcache.Addr) bool {
	return addr >= s.start && addr < s.start+classcache.Addr(s.Bytes())
}

func (s *Span) slotAddr(slot uint32) classcache.Addr {
	return s.start + classcache.Addr(int(slot)*s.objectSize)
}

func (s *Span) next(slot uint32) uint32 {
	off := int(slot) * s.objectSize
	return binary.LittleEndian.Uint32(s.mem[off : off+4])
}

func (s *Span) setNext(slot, next uint32) {
	off := int(slot) * s.objectSize
	binary.LittleEndian.PutUint32(s.mem[off:off+4], next)
}

// Start returns the first address of the span.
func (s *Span) Start() classcache.Addr { return s.start }

// FirstPage returns the first page of the span.
func (s *Span) FirstPage() classcache.PageID { return classcache.PageOf(s.start) }

// Pages returns the span length in pages.
func (s *Span) Pages() int { return s.pages }

// Bytes returns the span length in bytes.
func (s *Span) Bytes() int { return s.pages * classcache.PageSize }

// Mem returns the backing memory of the span.
func (s *Span) Mem() []byte { return s.mem }

// Class returns the size class the span was carved for, or -1.
func (s *Span) Class() int { return s.class }

// ObjectSize returns the slot size in bytes.
func (s *Span) ObjectSize() int { return s.objectSize }

// TotalObjects returns the number of slots.
func (s *Span) TotalObjects() int { return s.total }

// Allocated returns the number of slots currently handed out.
func (s *Span) Allocated() int { return s.allocated }

// FreeObjects returns the number of slots on the free list.
func (s *Span) FreeObjects() int { return s.total - s.allocated }

// Full reports whether no slot is free.
func (s *Span) Full() bool { return s.freeHead == endOfList }

// Empty reports whether no slot is handed out.
func (s *Span) Empty() bool { return s.allocated == 0 }

// Created returns the carving time.
func (s *Span) Created() time.Time { return s.created }

// Tag returns the owner's list bookkeeping.
func (s *Span) Tag() Tag { return s.tag }

// SetTag replaces the owner's list bookkeeping.
func (s *Span) SetTag(t Tag) { s.tag = t }

// OverheadBytes returns the tail of the span no slot covers.
func (s *Span) OverheadBytes() int {
	return s.Bytes() - s.total*s.objectSize
}
