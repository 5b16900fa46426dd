package testutil

import (
	"sync"

	"github.com/cbehopkins/classcache"
)

// FakeFreeList hands out synthetic object addresses and records every
// object returned to it. Limit caps how many objects it will hand out in
// total; zero means unlimited.
type FakeFreeList struct {
	mu     sync.Mutex
	Limit  int
	next   classcache.Addr
	free   []classcache.Addr
	handed int

	removeCalls int
	insertCalls int
	inserted    int
}

// NewFakeFreeList returns an unlimited fake free list.
func NewFakeFreeList() *FakeFreeList {
	return &FakeFreeList{next: mockBase}
}

func (f *FakeFreeList) RemoveRange(batch []classcache.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	n := 0
	for ; n < len(batch); n++ {
		if len(f.free) > 0 {
			batch[n] = f.free[len(f.free)-1]
			f.free = f.free[:len(f.free)-1]
			continue
		}
		if f.Limit > 0 && f.handed >= f.Limit {
			break
		}
		batch[n] = f.next
		f.next += classcache.ObjectAlignment
		f.handed++
	}
	return n, nil
}

func (f *FakeFreeList) InsertRange(batch []classcache.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	f.inserted += len(batch)
	f.free = append(f.free, batch...)
	return nil
}

// Outstanding returns objects handed out and not returned.
func (f *FakeFreeList) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handed - len(f.free)
}

// Calls returns the number of RemoveRange and InsertRange calls.
func (f *FakeFreeList) Calls() (remove, insert int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeCalls, f.insertCalls
}

// Inserted returns the total number of objects returned.
func (f *FakeFreeList) Inserted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserted
}
