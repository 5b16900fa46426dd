//go:build unix

// Package pageheap is a span allocator over a single anonymous memory
// mapping. Pages are handed out in whole runs; a page map gives constant
// time address to span lookup.
package pageheap

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/span"
	"github.com/cbehopkins/classcache/allocator/types"
)

const defaultArenaBytes = 64 << 20

var (
	ErrClosed      = errors.New("page heap closed")
	ErrUnknownSpan = errors.New("span not owned by this page heap")
)

// Config sizes a PageHeap.
type Config struct {
	// ArenaBytes is the size of the mapping, rounded up to whole pages.
	// Defaults to 64 MiB.
	ArenaBytes int
	// MaxSpans bounds the number of live spans. Defaults to one per page.
	MaxSpans int
	Logger   *slog.Logger
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.ArenaBytes < 0 {
		return Config{}, errors.New("ArenaBytes must be >= 0")
	}
	if cfg.ArenaBytes == 0 {
		cfg.ArenaBytes = defaultArenaBytes
	}
	cfg.ArenaBytes = (cfg.ArenaBytes + classcache.PageSize - 1) &^ (classcache.PageSize - 1)
	pages := cfg.ArenaBytes / classcache.PageSize
	if cfg.MaxSpans < 0 {
		return Config{}, errors.New("MaxSpans must be >= 0")
	}
	if cfg.MaxSpans == 0 || cfg.MaxSpans > pages {
		cfg.MaxSpans = pages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg, nil
}

// Stats is a snapshot of page heap usage.
type Stats struct {
	ArenaBytes     int
	PagesInUse     int
	PagesFree      int
	PagesUntouched int
	SpansInUse     int
	SpansAllocated uint64
	SpansReleased  uint64
}

// PageHeap implements types.SpanAllocator.
type PageHeap struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	mapping []byte
	arena   []byte
	base    classcache.Addr
	npages  int

	// pagemap[i] is the live span covering page i of the arena.
	pagemap []atomic.Pointer[span.Span]

	// Span records are preallocated; handleAt[first page] finds the record
	// of a live span.
	records  []span.Span
	free     []int32
	handleAt []int32

	// freeRuns maps a run length to the first pages of released runs.
	freeRuns  map[int][]int
	freePages int
	bump      int

	inUse     int
	allocated uint64
	released  uint64
	closed    bool
}

var _ types.SpanAllocator = (*PageHeap)(nil)

// New maps the arena and prepares the span records.
func New(cfg Config) (*PageHeap, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	// One extra page leaves room to align the arena to PageSize.
	mapping, err := unix.Mmap(-1, 0, cfg.ArenaBytes+classcache.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", cfg.ArenaBytes, err)
	}
	raw := uintptr(unsafe.Pointer(&mapping[0]))
	aligned := (raw + classcache.PageSize - 1) &^ (classcache.PageSize - 1)
	off := int(aligned - raw)

	npages := cfg.ArenaBytes / classcache.PageSize
	h := &PageHeap{
		cfg:      cfg,
		log:      cfg.Logger,
		mapping:  mapping,
		arena:    mapping[off : off+cfg.ArenaBytes : off+cfg.ArenaBytes],
		base:     classcache.Addr(aligned),
		npages:   npages,
		pagemap:  make([]atomic.Pointer[span.Span], npages),
		records:  make([]span.Span, cfg.MaxSpans),
		free:     make([]int32, cfg.MaxSpans),
		handleAt: make([]int32, npages),
		freeRuns: make(map[int][]int),
	}
	for i := range h.free {
		h.free[i] = int32(cfg.MaxSpans - 1 - i)
	}
	h.log.Debug("page heap mapped",
		"base", uintptr(h.base), "bytes", cfg.ArenaBytes, "pages", npages, "os_page", unix.Getpagesize())
	return h, nil
}

// AllocateSpan returns an uncarved span of pages. An exactly sized released
// run is reused first, then untouched pages, then a larger released run is
// split.
func (h *PageHeap) AllocateSpan(pages int) (*span.Span, error) {
	if pages <= 0 || pages > classcache.MaxPagesPerSpan {
		return nil, fmt.Errorf("%w: %d pages", types.ErrOutOfMemory, pages)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if len(h.free) == 0 {
		return nil, fmt.Errorf("%w: %d span records in use", types.ErrOutOfMemory, h.cfg.MaxSpans)
	}

	first, ok := h.takeRun(pages)
	if !ok {
		return nil, fmt.Errorf("%w: no run of %d pages", types.ErrOutOfMemory, pages)
	}

	handle := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	s := &h.records[handle]
	off := first * classcache.PageSize
	s.Reset(h.base+classcache.Addr(off), pages, h.arena[off:off+pages*classcache.PageSize:off+pages*classcache.PageSize])

	h.handleAt[first] = handle
	for i := first; i < first+pages; i++ {
		h.pagemap[i].Store(s)
	}
	h.inUse += pages
	h.allocated++
	return s, nil
}

// takeRun finds pages contiguous free pages. Requires h.mu.
func (h *PageHeap) takeRun(pages int) (int, bool) {
	if runs := h.freeRuns[pages]; len(runs) > 0 {
		first := runs[len(runs)-1]
		h.popRun(pages)
		return first, true
	}
	if h.bump+pages <= h.npages {
		first := h.bump
		h.bump += pages
		return first, true
	}

	lengths := make([]int, 0, len(h.freeRuns))
	for n, runs := range h.freeRuns {
		if n > pages && len(runs) > 0 {
			lengths = append(lengths, n)
		}
	}
	if len(lengths) == 0 {
		return 0, false
	}
	sort.Ints(lengths)
	n := lengths[0]
	first := h.freeRuns[n][len(h.freeRuns[n])-1]
	h.popRun(n)
	h.pushRun(first+pages, n-pages)
	return first, true
}

func (h *PageHeap) popRun(n int) {
	runs := h.freeRuns[n]
	if len(runs) == 1 {
		delete(h.freeRuns, n)
	} else {
		h.freeRuns[n] = runs[:len(runs)-1]
	}
	h.freePages -= n
}

func (h *PageHeap) pushRun(first, n int) {
	h.freeRuns[n] = append(h.freeRuns[n], first)
	h.freePages += n
}

// DeallocateSpan returns the pages of s to the heap and lets the OS reclaim
// their memory. It panics on a span this heap did not hand out.
func (h *PageHeap) DeallocateSpan(s *span.Span) {
	if err := h.deallocate(s); err != nil {
		panic(fmt.Sprintf("pageheap: %v", err))
	}
}

func (h *PageHeap) deallocate(s *span.Span) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	first, ok := h.pageIndex(s.Start())
	if !ok || h.pagemap[first].Load() != s {
		return fmt.Errorf("%w: %#x", ErrUnknownSpan, uintptr(s.Start()))
	}
	pages := s.Pages()
	for i := first; i < first+pages; i++ {
		h.pagemap[i].Store(nil)
	}

	off := first * classcache.PageSize
	if err := unix.Madvise(h.arena[off:off+pages*classcache.PageSize], unix.MADV_DONTNEED); err != nil {
		h.log.Warn("madvise failed", "start", uintptr(s.Start()), "pages", pages, "err", err)
	}

	h.pushRun(first, pages)
	h.free = append(h.free, h.handleAt[first])
	s.Reset(0, 0, nil)
	h.inUse -= pages
	h.released++
	return nil
}

func (h *PageHeap) pageIndex(addr classcache.Addr) (int, bool) {
	if addr < h.base {
		return 0, false
	}
	i := int((addr - h.base) >> classcache.PageShift)
	return i, i < h.npages
}

// SpanOf returns the live span containing addr, or nil. It takes no lock.
func (h *PageHeap) SpanOf(addr classcache.Addr) *span.Span {
	i, ok := h.pageIndex(addr)
	if !ok {
		return nil
	}
	return h.pagemap[i].Load()
}

// Base returns the first address of the arena.
func (h *PageHeap) Base() classcache.Addr { return h.base }

// Stats returns a usage snapshot.
func (h *PageHeap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		ArenaBytes:     h.cfg.ArenaBytes,
		PagesInUse:     h.inUse,
		PagesFree:      h.freePages,
		PagesUntouched: h.npages - h.bump,
		SpansInUse:     h.cfg.MaxSpans - len(h.free),
		SpansAllocated: h.allocated,
		SpansReleased:  h.released,
	}
}

// Close unmaps the arena. Spans handed out must no longer be used.
func (h *PageHeap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for i := range h.pagemap {
		h.pagemap[i].Store(nil)
	}
	h.arena = nil
	err := unix.Munmap(h.mapping)
	h.mapping = nil
	return err
}
