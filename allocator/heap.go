// Package allocator assembles one central free list and one transfer cache
// per size class into a Heap that routes object batches by class.
//
// Hierarchy:
//   - Heap: class routing, stats aggregation, periodic maintenance
//   - transfer.TransferCache: bounded batch cache per class
//   - central.CentralFreeList: span pool per class
//   - types.SpanAllocator: external page level span supply
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/central"
	"github.com/cbehopkins/classcache/allocator/sizeclass"
	"github.com/cbehopkins/classcache/allocator/transfer"
)

var (
	ErrUnknownClass        = errors.New("unknown size class")
	ErrMaintenanceRunning  = errors.New("maintenance worker already running")
	ErrMaintenanceDisabled = errors.New("background process actions disabled")
)

// classEntry is the per class state. Entries are padded so neighbouring
// classes do not share a cache line.
type classEntry struct {
	_ cpu.CacheLinePad

	central  *central.CentralFreeList
	transfer *transfer.TransferCache

	// Maintenance bookkeeping, guarded by Heap.maintMu.
	lastPlunder time.Time
	lastResize  time.Time
	lastStats   transfer.Stats
}

// Heap routes batches to the per class caches. Classes are independent;
// no lock is shared between them on the batch paths.
type Heap struct {
	cfg     Config
	log     *slog.Logger
	classes []classEntry

	maintMu sync.Mutex

	mu           sync.Mutex
	maintTicker  *time.Ticker
	maintDone    chan struct{}
	maintRunning bool
	maintWG      sync.WaitGroup
}

// New builds the caches of every class in cfg.Table.
func New(cfg Config) (*Heap, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		cfg:     cfg,
		log:     cfg.Logger,
		classes: make([]classEntry, cfg.Table.Len()),
	}
	maxBytes := cfg.Params.TransferCacheMaxBytes()
	now := cfg.Clock()
	for class, desc := range cfg.Table.All() {
		cfl, err := central.New(class, desc, cfg.Spans,
			central.WithClock(cfg.Clock), central.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", class, err)
		}
		tc, err := transfer.New(class, desc, cfl, sizeclass.CapacityFor(desc, maxBytes),
			transfer.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", class, err)
		}
		h.classes[class] = classEntry{
			central:     cfl,
			transfer:    tc,
			lastPlunder: now,
			lastResize:  now,
		}
	}
	h.log.Debug("heap ready", "classes", len(h.classes), "transfer_cache_max_bytes", maxBytes)
	return h, nil
}

// NumClasses returns the number of size classes.
func (h *Heap) NumClasses() int { return len(h.classes) }

// ClassFor returns the smallest class holding objects of size bytes.
func (h *Heap) ClassFor(size int) (int, bool) {
	return h.cfg.Table.ClassFor(size)
}

func (h *Heap) entry(class int) (*classEntry, error) {
	if class < 0 || class >= len(h.classes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClass, class)
	}
	return &h.classes[class], nil
}

// Descriptor returns the parameters of class.
func (h *Heap) Descriptor(class int) (sizeclass.Descriptor, error) {
	e, err := h.entry(class)
	if err != nil {
		return sizeclass.Descriptor{}, err
	}
	return e.central.Descriptor(), nil
}

// Central returns the central free list of class, or nil.
func (h *Heap) Central(class int) *central.CentralFreeList {
	e, err := h.entry(class)
	if err != nil {
		return nil
	}
	return e.central
}

// Transfer returns the transfer cache of class, or nil.
func (h *Heap) Transfer(class int) *transfer.TransferCache {
	e, err := h.entry(class)
	if err != nil {
		return nil
	}
	return e.transfer
}

// RemoveRange fills batch with objects of class. A short count means the
// span allocator is exhausted.
func (h *Heap) RemoveRange(class int, batch []classcache.Addr) (int, error) {
	e, err := h.entry(class)
	if err != nil {
		return 0, err
	}
	return e.transfer.Remove(batch)
}

// InsertRange returns a batch of objects of class.
func (h *Heap) InsertRange(class int, batch []classcache.Addr) error {
	e, err := h.entry(class)
	if err != nil {
		return err
	}
	return e.transfer.Insert(batch)
}

// Close stops the maintenance worker. The caches stay usable.
func (h *Heap) Close() error {
	h.StopMaintenance()
	return nil
}
