package testutil

import (
	"sync"

	"github.com/cbehopkins/classcache/allocator/types"
)

// FakeResidency reports every queried byte as resident except a configured
// swapped fraction, and counts queries.
type FakeResidency struct {
	mu sync.Mutex
	// SwappedPercent of each queried range is reported swapped.
	SwappedPercent int
	// Fail makes every query report ok == false.
	Fail    bool
	queries int
}

func (f *FakeResidency) Get(addr uintptr, size int) (types.ResidencyInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.Fail {
		return types.ResidencyInfo{}, false
	}
	swapped := uint64(size) * uint64(f.SwappedPercent) / 100
	return types.ResidencyInfo{
		BytesResident: uint64(size) - swapped,
		BytesSwapped:  swapped,
	}, true
}

// Queries returns the number of Get calls.
func (f *FakeResidency) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}
