//go:build !linux

package residency

// Residency has no backing facility on this platform.
type Residency struct{}

// Open always fails with ErrUnsupported.
func Open() (*Residency, error) {
	return nil, ErrUnsupported
}

// Get never succeeds.
func (r *Residency) Get(addr uintptr, size int) (Info, bool) {
	return Info{}, false
}

// Close is a no-op.
func (r *Residency) Close() error { return nil }
