package sizeclass

import (
	"errors"
	"testing"

	"github.com/cbehopkins/classcache"
)

func TestIsValidSizeClass(t *testing.T) {
	tests := []struct {
		name               string
		size, pages, batch int
		want               bool
	}{
		{"small", 64, 1, 32, true},
		{"single object span", 256 << 10, 32, 2, true},
		{"zero size", 0, 1, 32, false},
		{"below minimum", 4, 1, 32, false},
		{"unaligned", 52, 1, 32, false},
		{"too large", classcache.MaxObjectSize + 8, 40, 2, false},
		{"no pages", 64, 0, 32, false},
		{"too many pages", 64, classcache.MaxPagesPerSpan + 1, 32, false},
		{"batch too small", 64, 1, 1, false},
		{"batch too large", 64, 1, classcache.MaxObjectsToMove + 1, false},
		{"object bigger than span", 16384, 1, 2, false},
		{"wasted page", 20480, 4, 2, false},
		{"too many objects", 8, 80, 32, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidSizeClass(tt.size, tt.pages, tt.batch); got != tt.want {
				t.Errorf("IsValidSizeClass(%d, %d, %d) = %v, want %v", tt.size, tt.pages, tt.batch, got, tt.want)
			}
		})
	}
}

func TestNewDerivesObjectsPerSpan(t *testing.T) {
	d, err := New(48, 1, 32)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.ObjectsPerSpan != classcache.PageSize/48 {
		t.Errorf("ObjectsPerSpan = %d, want %d", d.ObjectsPerSpan, classcache.PageSize/48)
	}
	if d.OverheadBytes() != classcache.PageSize%48 {
		t.Errorf("OverheadBytes() = %d, want %d", d.OverheadBytes(), classcache.PageSize%48)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate() on derived descriptor = %v", err)
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	_, err := New(0, 1, 32)
	if !errors.Is(err, ErrInvalidSizeClass) {
		t.Errorf("New(0, 1, 32) = %v, want %v", err, ErrInvalidSizeClass)
	}
}

func TestValidateRejectsOverfullSpan(t *testing.T) {
	d := Descriptor{Size: 64, Pages: 1, ObjectsPerSpan: classcache.PageSize/64 + 1, BatchSize: 32}
	if err := d.Validate(); !errors.Is(err, ErrInvalidSizeClass) {
		t.Errorf("Validate() = %v, want %v", err, ErrInvalidSizeClass)
	}
	d.ObjectsPerSpan = 0
	if err := d.Validate(); !errors.Is(err, ErrInvalidSizeClass) {
		t.Errorf("Validate() with zero objects = %v, want %v", err, ErrInvalidSizeClass)
	}
	// Fewer objects than fit is allowed.
	d.ObjectsPerSpan = 10
	if err := d.Validate(); err != nil {
		t.Errorf("Validate() with 10 objects = %v, want nil", err)
	}
}

func TestCapacityFor(t *testing.T) {
	small, _ := New(8, 1, 32)
	c := CapacityFor(small, 1<<20)
	if c.Initial != 16*32 || c.Max != 64*32 {
		t.Errorf("CapacityFor(8B) = %+v, want {512 2048}", c)
	}

	big, _ := New(256<<10, 32, 2)
	c = CapacityFor(big, 1<<20)
	// 1 MiB holds 4 objects, which is two batches.
	if c.Max != 4 || c.Initial != 4 {
		t.Errorf("CapacityFor(256KiB) = %+v, want {4 4}", c)
	}

	c = CapacityFor(big, 1)
	if c.Max != 2 || c.Initial != 2 {
		t.Errorf("CapacityFor(256KiB, 1B) = %+v, want one batch", c)
	}

	c = CapacityFor(big, 0)
	if c.Max != 64*2 {
		t.Errorf("CapacityFor(unlimited).Max = %d, want %d", c.Max, 64*2)
	}
}

func TestCapacityIsBatchMultiple(t *testing.T) {
	for _, d := range DefaultTable().All() {
		c := CapacityFor(d, 1<<20)
		if c.Max%d.BatchSize != 0 || c.Initial%d.BatchSize != 0 {
			t.Errorf("class %v capacity %+v not a batch multiple", d, c)
		}
		if c.Initial > c.Max || c.Max < d.BatchSize {
			t.Errorf("class %v capacity %+v out of bounds", d, c)
		}
	}
}
