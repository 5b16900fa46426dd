//go:build linux

package residency

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const pagemapPath = "/proc/self/pagemap"

// Residency answers queries from /proc/self/pagemap of the calling process.
type Residency struct {
	mu       sync.RWMutex
	fd       int
	pageSize uintptr
}

// Open opens the page map of the current process.
func Open() (*Residency, error) {
	fd, err := unix.Open(pagemapPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pagemapPath, err)
	}
	return &Residency{fd: fd, pageSize: uintptr(unix.Getpagesize())}, nil
}

// Get reports the residency of size bytes at addr. ok is false when the map
// is closed or cannot be read.
func (r *Residency) Get(addr uintptr, size int) (Info, bool) {
	var info Info
	if size <= 0 {
		return info, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fd < 0 {
		return info, false
	}

	lo, hi := addr, addr+uintptr(size)
	var buf [entriesPerRead * 8]byte
	for page := lo / r.pageSize; page*r.pageSize < hi; {
		want := min(uintptr(entriesPerRead), (hi+r.pageSize-1)/r.pageSize-page)
		n, err := unix.Pread(r.fd, buf[:want*8], int64(page*8))
		if err != nil || n < 8 {
			return Info{}, false
		}
		for i := 0; i+8 <= n; i += 8 {
			entry := binary.LittleEndian.Uint64(buf[i:])
			classify(&info, entry, page*r.pageSize, r.pageSize, lo, hi)
			page++
		}
	}
	return info, true
}

// Close releases the page map descriptor.
func (r *Residency) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}
