// Package transfer implements the bounded per size class batch cache that
// sits in front of a central free list.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/sizeclass"
	"github.com/cbehopkins/classcache/allocator/types"
)

var (
	ErrNoFreeList    = errors.New("free list required")
	ErrBatchTooLarge = types.ErrBatchTooLarge
)

// Option configures a TransferCache.
type Option func(*TransferCache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(tc *TransferCache) {
		if l != nil {
			tc.log = l
		}
	}
}

// TransferCache holds whole batches of free objects of one class. Batches
// that do not fit are spilled to the free list below it and misses are
// refilled from it. The free list is only called after mu is released.
type TransferCache struct {
	mu sync.Mutex

	class    int
	desc     sizeclass.Descriptor
	freelist types.FreeList
	log      *slog.Logger

	// slots[:used] are cached objects; len(slots) == maxCapacity.
	slots       []classcache.Addr
	used        int
	capacity    int
	maxCapacity int
	// lowWater is the smallest used seen since the last plunder.
	lowWater int

	insertHits           uint64
	insertMisses         uint64
	insertNonBatchMisses uint64
	removeHits           uint64
	removeMisses         uint64
	removeNonBatchMisses uint64
}

// New creates the transfer cache of class in front of freelist. Capacities
// are rounded down to whole batches and the initial capacity is at least one
// batch. A capacity whose Max is below one batch yields a disabled cache that
// passes every call straight through.
func New(class int, desc sizeclass.Descriptor, freelist types.FreeList, capacity sizeclass.Capacity, opts ...Option) (*TransferCache, error) {
	if freelist == nil {
		return nil, ErrNoFreeList
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	tc := &TransferCache{
		class:    class,
		desc:     desc,
		freelist: freelist,
		log:      slog.Default(),
	}
	if capacity.Max >= desc.BatchSize {
		b := desc.BatchSize
		tc.maxCapacity = capacity.Max / b * b
		tc.capacity = min(max(capacity.Initial, b), tc.maxCapacity) / b * b
		tc.slots = make([]classcache.Addr, tc.maxCapacity)
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc, nil
}

// Class returns the size class number.
func (tc *TransferCache) Class() int { return tc.class }

// Enabled reports whether the cache can hold objects at all.
func (tc *TransferCache) Enabled() bool { return tc.maxCapacity > 0 }

// Insert accepts a batch of freed objects. The batch is kept when it fits
// within the current capacity, otherwise it goes to the free list.
func (tc *TransferCache) Insert(batch []classcache.Addr) error {
	n := len(batch)
	if n == 0 {
		return nil
	}
	if n > tc.desc.BatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, n, tc.desc.BatchSize)
	}

	tc.mu.Lock()
	if tc.used+n <= tc.capacity {
		copy(tc.slots[tc.used:], batch)
		tc.used += n
		tc.insertHits++
		tc.mu.Unlock()
		return nil
	}
	tc.insertMisses++
	if n != tc.desc.BatchSize {
		tc.insertNonBatchMisses++
	}
	tc.mu.Unlock()

	return tc.freelist.InsertRange(batch)
}

// Remove fills batch with objects, from the cache when it holds enough and
// from the free list otherwise. A short count means the class is exhausted.
func (tc *TransferCache) Remove(batch []classcache.Addr) (int, error) {
	n := len(batch)
	if n == 0 {
		return 0, nil
	}
	if n > tc.desc.BatchSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, n, tc.desc.BatchSize)
	}

	tc.mu.Lock()
	if tc.used >= n {
		tc.used -= n
		copy(batch, tc.slots[tc.used:tc.used+n])
		tc.lowWater = min(tc.lowWater, tc.used)
		tc.removeHits++
		tc.mu.Unlock()
		return n, nil
	}
	tc.removeMisses++
	if n != tc.desc.BatchSize {
		tc.removeNonBatchMisses++
	}
	tc.mu.Unlock()

	return tc.freelist.RemoveRange(batch)
}

// Grow raises the capacity by one batch. It returns false when that would
// exceed the maximum.
func (tc *TransferCache) Grow() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.maxCapacity == 0 || tc.capacity+tc.desc.BatchSize > tc.maxCapacity {
		return false
	}
	tc.capacity += tc.desc.BatchSize
	return true
}

// Shrink lowers the capacity by one batch, evicting cached objects above the
// new capacity. It returns false when the capacity is a single batch or less.
func (tc *TransferCache) Shrink() bool {
	var evict [classcache.MaxObjectsToMove]classcache.Addr

	tc.mu.Lock()
	if tc.capacity <= tc.desc.BatchSize {
		tc.mu.Unlock()
		return false
	}
	tc.capacity -= tc.desc.BatchSize
	n := 0
	if tc.used > tc.capacity {
		n = copy(evict[:], tc.slots[tc.capacity:tc.used])
		tc.used = tc.capacity
		tc.lowWater = min(tc.lowWater, tc.used)
	}
	tc.mu.Unlock()

	if n > 0 {
		tc.spill(evict[:n])
	}
	return true
}

// TryPlunder returns to the free list the objects that stayed cached since
// the previous call, at most one batch per lock hold, and restarts the
// idle tracking from the current fill.
func (tc *TransferCache) TryPlunder() {
	var evict [classcache.MaxObjectsToMove]classcache.Addr

	tc.mu.Lock()
	idle := tc.lowWater
	tc.mu.Unlock()

	for idle > 0 {
		tc.mu.Lock()
		n := min(idle, tc.used, tc.desc.BatchSize)
		if n == 0 {
			tc.mu.Unlock()
			break
		}
		tc.used -= n
		copy(evict[:n], tc.slots[tc.used:tc.used+n])
		tc.mu.Unlock()

		idle -= n
		tc.spill(evict[:n])
	}

	tc.mu.Lock()
	tc.lowWater = tc.used
	tc.mu.Unlock()
}

// spill returns evicted objects to the free list. A rejected batch is retried
// one object at a time so the valid objects still reach their spans; repeats
// within the batch are dropped.
func (tc *TransferCache) spill(batch []classcache.Addr) {
	if err := tc.freelist.InsertRange(batch); err == nil {
		return
	}
	for i, addr := range batch {
		if slices.Contains(batch[:i], addr) {
			tc.log.Error("transfer cache dropped repeated object", "class", tc.class, "addr", uintptr(addr))
			continue
		}
		if err := tc.freelist.InsertRange(batch[i : i+1]); err != nil {
			tc.log.Error("transfer cache dropped object",
				"class", tc.class, "addr", uintptr(addr), "err", err)
		}
	}
}

// Length returns the number of cached objects.
func (tc *TransferCache) Length() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.used
}
