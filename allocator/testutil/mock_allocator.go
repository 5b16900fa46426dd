package testutil

import (
	"fmt"
	"sync"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/span"
	"github.com/cbehopkins/classcache/allocator/types"
)

// mockBase is the first address handed out; zero stays invalid.
const mockBase = classcache.Addr(1 << 24)

// MockSpanAllocator is a functional span allocator for tests. Spans are
// backed by Go heap memory at synthetic, non-overlapping addresses with an
// unmapped guard page between them. Allocation failure can be forced.
type MockSpanAllocator struct {
	mu    sync.Mutex
	next  classcache.Addr
	pages map[classcache.PageID]*span.Span

	// failAfter counts successful allocations left before failing; -1
	// never fails.
	failAfter int

	requested int
	returned  int
}

// NewMockSpanAllocator creates a mock that never fails.
func NewMockSpanAllocator() *MockSpanAllocator {
	return &MockSpanAllocator{
		next:      mockBase,
		pages:     make(map[classcache.PageID]*span.Span),
		failAfter: -1,
	}
}

// SetFailing makes every later allocation fail (true) or succeed (false).
func (m *MockSpanAllocator) SetFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fail {
		m.failAfter = 0
	} else {
		m.failAfter = -1
	}
}

// FailAfter lets n more allocations succeed and fails the rest.
func (m *MockSpanAllocator) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

func (m *MockSpanAllocator) AllocateSpan(pages int) (*span.Span, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("%w: %d pages", types.ErrOutOfMemory, pages)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAfter == 0 {
		return nil, types.ErrOutOfMemory
	}
	if m.failAfter > 0 {
		m.failAfter--
	}

	s := span.New(m.next, pages, make([]byte, pages*classcache.PageSize))
	first := s.FirstPage()
	for i := 0; i < pages; i++ {
		m.pages[first+classcache.PageID(i)] = s
	}
	m.next += classcache.Addr((pages + 1) * classcache.PageSize)
	m.requested++
	return s, nil
}

func (m *MockSpanAllocator) DeallocateSpan(s *span.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := s.FirstPage()
	if m.pages[first] != s {
		panic(fmt.Sprintf("testutil: deallocating unknown span at %#x", uintptr(s.Start())))
	}
	for i := 0; i < s.Pages(); i++ {
		delete(m.pages, first+classcache.PageID(i))
	}
	m.returned++
}

func (m *MockSpanAllocator) SpanOf(addr classcache.Addr) *span.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[classcache.PageOf(addr)]
}

// LiveSpans returns the number of spans handed out and not returned.
func (m *MockSpanAllocator) LiveSpans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested - m.returned
}

// Requested returns the number of successful allocations.
func (m *MockSpanAllocator) Requested() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// Returned returns the number of deallocations.
func (m *MockSpanAllocator) Returned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returned
}
