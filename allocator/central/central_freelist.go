// Package central implements the per size class pool of spans that serves
// and accepts object batches.
package central

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/sizeclass"
	"github.com/cbehopkins/classcache/allocator/span"
	"github.com/cbehopkins/classcache/allocator/types"
)

var (
	ErrNoSpanAllocator = errors.New("span allocator required")
	ErrBatchTooLarge   = types.ErrBatchTooLarge
	ErrForeignObject   = errors.New("object does not belong to this free list")
	ErrDuplicateObject = errors.New("object appears twice in batch")
)

// NumNonFullLists is the number of occupancy buckets nonfull spans are
// filed in. Bucket b holds spans with bits.Len(allocated) == b, the last
// bucket also holds everything above it.
const NumNonFullLists = 8

// Option configures a CentralFreeList.
type Option func(*CentralFreeList)

// WithClock replaces the time source used for span lifetimes.
func WithClock(now func() time.Time) Option {
	return func(c *CentralFreeList) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *CentralFreeList) {
		if l != nil {
			c.log = l
		}
	}
}

// CentralFreeList owns every span of one size class.
// Spans with free slots are kept in occupancy buckets and the most occupied
// are drawn from first, so lightly used spans drain and get released.
// Full spans are kept apart until an object returns to them.
type CentralFreeList struct {
	mu sync.Mutex

	class int
	desc  sizeclass.Descriptor
	spans types.SpanAllocator
	now   func() time.Time
	log   *slog.Logger

	nonfull [NumNonFullLists][]*span.Span
	full    []*span.Span

	liveSpans      int
	spansRequested uint64
	spansReturned  uint64
	released       [numLifetimeBuckets]uint64

	// freeObjects mirrors the free slot total for lock-free Length.
	freeObjects atomic.Int64
}

// New creates the central free list of class, drawing spans from spans.
func New(class int, desc sizeclass.Descriptor, spans types.SpanAllocator, opts ...Option) (*CentralFreeList, error) {
	if spans == nil {
		return nil, ErrNoSpanAllocator
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	c := &CentralFreeList{
		class: class,
		desc:  desc,
		spans: spans,
		now:   time.Now,
		log:   slog.Default(),
		full:  make([]*span.Span, 0),
	}
	for i := range c.nonfull {
		c.nonfull[i] = make([]*span.Span, 0)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Class returns the size class number.
func (c *CentralFreeList) Class() int { return c.class }

// Descriptor returns the size class parameters.
func (c *CentralFreeList) Descriptor() sizeclass.Descriptor { return c.desc }

// RemoveRange fills batch with objects. It returns fewer than len(batch) only
// when the span allocator cannot supply another span.
func (c *CentralFreeList) RemoveRange(batch []classcache.Addr) (int, error) {
	if len(batch) > c.desc.BatchSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(batch), c.desc.BatchSize)
	}

	c.mu.Lock()
	n := c.takeFromNonFull(batch)
	c.mu.Unlock()

	for n < len(batch) {
		s := c.populate()
		if s == nil {
			break
		}

		c.mu.Lock()
		got := s.PopBatch(batch[n:])
		n += got
		c.liveSpans++
		c.spansRequested++
		c.freeObjects.Add(int64(s.TotalObjects() - got))
		c.file(s)
		c.mu.Unlock()
	}
	return n, nil
}

// takeFromNonFull draws from the most occupied spans first. Requires c.mu.
func (c *CentralFreeList) takeFromNonFull(batch []classcache.Addr) int {
	n := 0
	for b := NumNonFullLists - 1; b >= 0 && n < len(batch); b-- {
		for len(c.nonfull[b]) > 0 && n < len(batch) {
			s := c.nonfull[b][len(c.nonfull[b])-1]
			got := s.PopBatch(batch[n:])
			n += got
			c.freeObjects.Add(-int64(got))
			c.refile(s)
		}
	}
	return n
}

// populate fetches and carves a new span. Called without c.mu.
func (c *CentralFreeList) populate() *span.Span {
	s, err := c.spans.AllocateSpan(c.desc.Pages)
	if err != nil {
		c.log.Debug("span allocation failed",
			"class", c.class, "size", c.desc.Size, "pages", c.desc.Pages, "err", err)
		return nil
	}
	if err := s.Carve(c.class, c.desc.Size, c.desc.ObjectsPerSpan, c.now()); err != nil {
		c.log.Error("span allocator returned unusable span",
			"class", c.class, "pages", s.Pages(), "err", err)
		c.spans.DeallocateSpan(s)
		return nil
	}
	return s
}

// InsertRange returns a batch of objects to their spans. Spans that become
// empty are handed back to the span allocator. Either every object is
// accepted or none is; any foreign or repeated object rejects the batch.
func (c *CentralFreeList) InsertRange(batch []classcache.Addr) error {
	if len(batch) > c.desc.BatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(batch), c.desc.BatchSize)
	}
	if len(batch) == 0 {
		return nil
	}

	var owners [classcache.MaxObjectsToMove]*span.Span
	var released [classcache.MaxObjectsToMove]*span.Span
	nreleased := 0

	c.mu.Lock()
	for i, addr := range batch {
		s := c.spans.SpanOf(addr)
		if !c.owns(s) {
			c.mu.Unlock()
			return fmt.Errorf("%w: %#x", ErrForeignObject, uintptr(addr))
		}
		if _, err := s.SlotOf(addr); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: %#x: %v", ErrForeignObject, uintptr(addr), err)
		}
		if slices.Contains(batch[:i], addr) {
			c.mu.Unlock()
			return fmt.Errorf("%w: %#x", ErrDuplicateObject, uintptr(addr))
		}
		owners[i] = s
	}

	now := c.now()
	for i, addr := range batch {
		s := owners[i]
		if _, err := s.Push(addr); err != nil {
			panic(fmt.Sprintf("central: push of validated object %#x: %v", uintptr(addr), err))
		}
		c.freeObjects.Add(1)

		if s.Empty() {
			c.unfile(s)
			c.liveSpans--
			c.spansReturned++
			c.freeObjects.Add(-int64(s.TotalObjects()))
			c.released[lifetimeBucket(now.Sub(s.Created()))]++
			released[nreleased] = s
			nreleased++
			continue
		}
		c.refile(s)
	}
	c.mu.Unlock()

	// A released span record may be reused by the span allocator at once.
	for _, s := range released[:nreleased] {
		c.log.Debug("released span", "class", c.class, "start", uintptr(s.Start()), "pages", s.Pages())
		c.spans.DeallocateSpan(s)
	}
	return nil
}

// owns reports whether s is a live span filed in this list. Requires c.mu.
func (c *CentralFreeList) owns(s *span.Span) bool {
	if s == nil || s.Class() != c.class || s.ObjectSize() != c.desc.Size {
		return false
	}
	tag := s.Tag()
	list := c.listFor(tag)
	return tag.State != span.StateUnowned && tag.Index < len(*list) && (*list)[tag.Index] == s
}

// Length returns the number of free objects held in owned spans.
func (c *CentralFreeList) Length() int {
	return int(c.freeObjects.Load())
}

// OverheadBytes returns the span tail bytes no object can use.
func (c *CentralFreeList) OverheadBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveSpans * c.desc.OverheadBytes()
}

func bucketFor(allocated int) int {
	b := bits.Len(uint(allocated))
	if b >= NumNonFullLists {
		b = NumNonFullLists - 1
	}
	return b
}

func (c *CentralFreeList) wantTag(s *span.Span) (span.State, int) {
	if s.Full() {
		return span.StateFull, 0
	}
	return span.StateNonFull, bucketFor(s.Allocated())
}

func (c *CentralFreeList) listFor(tag span.Tag) *[]*span.Span {
	if tag.State == span.StateFull {
		return &c.full
	}
	return &c.nonfull[tag.Bucket]
}

// file appends s to the list matching its occupancy. Requires c.mu.
func (c *CentralFreeList) file(s *span.Span) {
	state, bucket := c.wantTag(s)
	tag := span.Tag{State: state, Bucket: bucket}
	list := c.listFor(tag)
	tag.Index = len(*list)
	*list = append(*list, s)
	s.SetTag(tag)
}

// unfile detaches s from its list by swapping the tail into its slot.
// Requires c.mu.
func (c *CentralFreeList) unfile(s *span.Span) {
	tag := s.Tag()
	list := c.listFor(tag)
	last := len(*list) - 1
	if tag.Index != last {
		moved := (*list)[last]
		(*list)[tag.Index] = moved
		mt := moved.Tag()
		mt.Index = tag.Index
		moved.SetTag(mt)
	}
	(*list)[last] = nil
	*list = (*list)[:last]
	s.SetTag(span.Tag{})
}

// refile moves s if its occupancy no longer matches its list. Requires c.mu.
func (c *CentralFreeList) refile(s *span.Span) {
	state, bucket := c.wantTag(s)
	tag := s.Tag()
	if tag.State == state && (state == span.StateFull || tag.Bucket == bucket) {
		return
	}
	c.unfile(s)
	c.file(s)
}

// forEachSpan visits every owned span. Requires c.mu.
func (c *CentralFreeList) forEachSpan(fn func(*span.Span)) {
	for b := range c.nonfull {
		for _, s := range c.nonfull[b] {
			fn(s)
		}
	}
	for _, s := range c.full {
		fn(s)
	}
}

// Residency sums residency of the pages of all live spans. The span ranges
// are copied under the lock and queried after it is dropped.
func (c *CentralFreeList) Residency(r types.Residency) types.ResidencyInfo {
	var total types.ResidencyInfo
	if r == nil {
		return total
	}

	type extent struct {
		start classcache.Addr
		bytes int
	}
	c.mu.Lock()
	extents := make([]extent, 0, c.liveSpans)
	c.forEachSpan(func(s *span.Span) {
		extents = append(extents, extent{start: s.Start(), bytes: s.Bytes()})
	})
	c.mu.Unlock()

	for _, e := range extents {
		if info, ok := r.Get(uintptr(e.start), e.bytes); ok {
			total.Add(info)
		}
	}
	return total
}
