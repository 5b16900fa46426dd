package transfer

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/central"
	"github.com/cbehopkins/classcache/allocator/sizeclass"
	"github.com/cbehopkins/classcache/allocator/stats"
	"github.com/cbehopkins/classcache/allocator/testutil"
)

const testBatch = 8

func newTestCache(t testing.TB, initial, maxCap int) (*TransferCache, *testutil.FakeFreeList) {
	t.Helper()
	desc, err := sizeclass.New(64, 1, testBatch)
	if err != nil {
		t.Fatalf("sizeclass.New() failed: %v", err)
	}
	fl := testutil.NewFakeFreeList()
	tc, err := New(3, desc, fl, sizeclass.Capacity{Initial: initial, Max: maxCap})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return tc, fl
}

// checkInvariants verifies 0 <= used <= capacity <= maxCapacity and that
// Grow and Shrink would answer as their preconditions say.
func checkInvariants(t *testing.T, tc *TransferCache) {
	t.Helper()
	s := tc.GetStats()
	if s.Used < 0 || s.Used > s.Capacity || s.Capacity > s.MaxCapacity {
		t.Fatalf("used %d capacity %d max %d out of order", s.Used, s.Capacity, s.MaxCapacity)
	}
	if s.MaxCapacity > 0 && s.Capacity%s.BatchSize != 0 {
		t.Fatalf("capacity %d not a multiple of batch %d", s.Capacity, s.BatchSize)
	}
	if len(tc.slots) != s.MaxCapacity {
		t.Fatalf("slot array length %d, want %d", len(tc.slots), s.MaxCapacity)
	}
}

func fill(tc *TransferCache, fl *testutil.FakeFreeList, objects int) []classcache.Addr {
	var out []classcache.Addr
	batch := make([]classcache.Addr, testBatch)
	for len(out) < objects {
		n, _ := fl.RemoveRange(batch)
		out = append(out, batch[:n]...)
	}
	for i := 0; i < len(out); i += testBatch {
		tc.Insert(out[i : i+testBatch])
	}
	return out
}

func TestCapacityStateMachine(t *testing.T) {
	convey.Convey("Given a transfer cache with one batch of capacity and room for four", t, func() {
		tc, fl := newTestCache(t, testBatch, 4*testBatch)

		convey.Convey("Shrink at a single batch is refused", func() {
			convey.So(tc.Shrink(), convey.ShouldBeFalse)
			convey.So(tc.GetStats().Capacity, convey.ShouldEqual, testBatch)
		})

		convey.Convey("Grow adds one batch at a time up to the maximum", func() {
			convey.So(tc.Grow(), convey.ShouldBeTrue)
			convey.So(tc.Grow(), convey.ShouldBeTrue)
			convey.So(tc.Grow(), convey.ShouldBeTrue)
			convey.So(tc.GetStats().Capacity, convey.ShouldEqual, 4*testBatch)

			convey.Convey("Grow at the maximum is refused", func() {
				convey.So(tc.Grow(), convey.ShouldBeFalse)
				convey.So(tc.GetStats().Capacity, convey.ShouldEqual, 4*testBatch)
			})

			convey.Convey("Shrink of a full cache evicts the excess batch", func() {
				fill(tc, fl, 4*testBatch)
				convey.So(tc.Length(), convey.ShouldEqual, 4*testBatch)

				convey.So(tc.Shrink(), convey.ShouldBeTrue)
				s := tc.GetStats()
				convey.So(s.Capacity, convey.ShouldEqual, 3*testBatch)
				convey.So(s.Used, convey.ShouldEqual, 3*testBatch)
				convey.So(fl.Inserted(), convey.ShouldEqual, testBatch)
			})

			convey.Convey("Shrink of a partly filled cache evicts nothing", func() {
				fill(tc, fl, testBatch)
				convey.So(tc.Shrink(), convey.ShouldBeTrue)
				convey.So(tc.Length(), convey.ShouldEqual, testBatch)
				convey.So(fl.Inserted(), convey.ShouldEqual, 0)
			})
		})
	})

	convey.Convey("Given a transfer cache whose maximum is below one batch", t, func() {
		tc, fl := newTestCache(t, 4, testBatch-1)

		convey.Convey("It is disabled and passes everything through", func() {
			convey.So(tc.Enabled(), convey.ShouldBeFalse)
			convey.So(tc.Grow(), convey.ShouldBeFalse)
			convey.So(tc.Shrink(), convey.ShouldBeFalse)

			batch := make([]classcache.Addr, testBatch)
			n, err := tc.Remove(batch)
			convey.So(err, convey.ShouldBeNil)
			convey.So(n, convey.ShouldEqual, testBatch)
			convey.So(tc.Insert(batch), convey.ShouldBeNil)
			convey.So(tc.Length(), convey.ShouldEqual, 0)
			convey.So(fl.Outstanding(), convey.ShouldEqual, 0)
		})
	})
}

func TestInsertRemoveHits(t *testing.T) {
	tc, fl := newTestCache(t, 2*testBatch, 4*testBatch)

	objs := fill(tc, fl, 2*testBatch)
	if tc.Length() != 2*testBatch {
		t.Fatalf("Length() = %d, want %d", tc.Length(), 2*testBatch)
	}
	removes, inserts := fl.Calls()
	if inserts != 0 {
		t.Errorf("free list inserts = %d, want 0", inserts)
	}

	batch := make([]classcache.Addr, testBatch)
	n, err := tc.Remove(batch)
	if err != nil || n != testBatch {
		t.Fatalf("Remove() = %d, %v; want %d, nil", n, err, testBatch)
	}
	// Served LIFO from the cache.
	for i := range batch {
		if batch[i] != objs[testBatch+i] {
			t.Errorf("batch[%d] = %#x, want %#x", i, uintptr(batch[i]), uintptr(objs[testBatch+i]))
		}
	}
	if r, _ := fl.Calls(); r != removes {
		t.Errorf("free list removes = %d, want %d", r, removes)
	}

	s := tc.GetStats()
	if s.InsertHits != 2 || s.RemoveHits != 1 || s.Misses() != 0 {
		t.Errorf("GetStats() = %+v, want 2 insert hits, 1 remove hit", s)
	}
	checkInvariants(t, tc)
}

func TestInsertSpillsWhenFull(t *testing.T) {
	tc, fl := newTestCache(t, testBatch, 4*testBatch)
	fill(tc, fl, testBatch)

	extra := make([]classcache.Addr, 3)
	fl.RemoveRange(extra)
	if err := tc.Insert(extra); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if tc.Length() != testBatch {
		t.Errorf("Length() = %d, want %d", tc.Length(), testBatch)
	}
	if fl.Inserted() != 3 {
		t.Errorf("spilled = %d, want 3", fl.Inserted())
	}
	s := tc.GetStats()
	if s.InsertMisses != 1 || s.InsertNonBatchMisses != 1 {
		t.Errorf("insert misses = %d (%d partial), want 1 (1)", s.InsertMisses, s.InsertNonBatchMisses)
	}
}

func TestRemoveMissGoesToFreeList(t *testing.T) {
	tc, fl := newTestCache(t, testBatch, 4*testBatch)
	fill(tc, fl, testBatch)
	tc.Remove(make([]classcache.Addr, 5))

	batch := make([]classcache.Addr, testBatch)
	n, err := tc.Remove(batch)
	if err != nil || n != testBatch {
		t.Fatalf("Remove() = %d, %v; want %d, nil", n, err, testBatch)
	}
	if tc.Length() != 3 {
		t.Errorf("Length() = %d, want 3 (miss must not touch the cache)", tc.Length())
	}
	s := tc.GetStats()
	if s.RemoveMisses != 1 || s.RemoveNonBatchMisses != 0 {
		t.Errorf("remove misses = %d (%d partial), want 1 (0)", s.RemoveMisses, s.RemoveNonBatchMisses)
	}
}

func TestRemoveShortPropagates(t *testing.T) {
	tc, fl := newTestCache(t, testBatch, 4*testBatch)
	fl.Limit = 5

	n, err := tc.Remove(make([]classcache.Addr, testBatch))
	if err != nil || n != 5 {
		t.Errorf("Remove() = %d, %v; want 5, nil", n, err)
	}
}

func TestBatchBound(t *testing.T) {
	tc, fl := newTestCache(t, testBatch, 4*testBatch)

	big := make([]classcache.Addr, testBatch+1)
	if err := tc.Insert(big); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("Insert(%d) = %v, want %v", len(big), err, ErrBatchTooLarge)
	}
	if _, err := tc.Remove(big); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("Remove(%d) = %v, want %v", len(big), err, ErrBatchTooLarge)
	}
	if err := tc.Insert(nil); err != nil {
		t.Errorf("Insert(nil) = %v, want nil", err)
	}
	if n, err := tc.Remove(nil); n != 0 || err != nil {
		t.Errorf("Remove(nil) = %d, %v; want 0, nil", n, err)
	}
	if r, i := fl.Calls(); r != 0 || i != 0 {
		t.Errorf("free list calls = %d, %d; want none", r, i)
	}
	if s := tc.GetStats(); s.Ops() != 0 {
		t.Errorf("Ops() = %d after rejected calls, want 0", s.Ops())
	}
}

func TestNewValidates(t *testing.T) {
	desc, _ := sizeclass.New(64, 1, testBatch)
	if _, err := New(0, desc, nil, sizeclass.Capacity{}); !errors.Is(err, ErrNoFreeList) {
		t.Errorf("New(nil free list) = %v, want %v", err, ErrNoFreeList)
	}
	bad := sizeclass.Descriptor{Size: 64, Pages: 1, ObjectsPerSpan: 128, BatchSize: 64}
	if _, err := New(0, bad, testutil.NewFakeFreeList(), sizeclass.Capacity{}); !errors.Is(err, sizeclass.ErrInvalidSizeClass) {
		t.Errorf("New(invalid) = %v, want %v", err, sizeclass.ErrInvalidSizeClass)
	}

	tc, err := New(0, desc, testutil.NewFakeFreeList(), sizeclass.Capacity{Initial: 100, Max: 4 * testBatch})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if s := tc.GetStats(); s.Capacity != 4*testBatch {
		t.Errorf("Capacity = %d, want initial clamped to %d", s.Capacity, 4*testBatch)
	}

	tc, err = New(0, desc, testutil.NewFakeFreeList(), sizeclass.Capacity{Initial: 0, Max: 4*testBatch + 3})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if s := tc.GetStats(); s.Capacity != testBatch || s.MaxCapacity != 4*testBatch {
		t.Errorf("Capacity/MaxCapacity = %d/%d, want %d/%d", s.Capacity, s.MaxCapacity, testBatch, 4*testBatch)
	}
}

func TestTryPlunder(t *testing.T) {
	tc, fl := newTestCache(t, 4*testBatch, 4*testBatch)
	fill(tc, fl, 3*testBatch)

	// The first pass only starts tracking.
	tc.TryPlunder()
	if tc.Length() != 3*testBatch {
		t.Fatalf("Length() = %d after first plunder, want %d", tc.Length(), 3*testBatch)
	}

	// One batch is used in between; the two idle batches go back.
	batch := make([]classcache.Addr, testBatch)
	tc.Remove(batch)
	tc.Insert(batch)
	tc.TryPlunder()
	if tc.Length() != testBatch {
		t.Errorf("Length() = %d after plunder, want %d", tc.Length(), testBatch)
	}
	if fl.Inserted() != 2*testBatch {
		t.Errorf("plundered = %d, want %d", fl.Inserted(), 2*testBatch)
	}

	// Nothing was touched since, so the rest goes too.
	tc.TryPlunder()
	if tc.Length() != 0 {
		t.Errorf("Length() = %d after idle plunder, want 0", tc.Length())
	}
	tc.TryPlunder()
	checkInvariants(t, tc)
}

func TestPlunderMatchesCentralFreeList(t *testing.T) {
	desc, _ := sizeclass.New(256, 1, 32)
	spans := testutil.NewMockSpanAllocator()
	cfl, err := central.New(1, desc, spans)
	if err != nil {
		t.Fatalf("central.New() failed: %v", err)
	}
	tc, err := New(1, desc, cfl, sizeclass.CapacityFor(desc, 0))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var held []classcache.Addr
	batch := make([]classcache.Addr, 32)
	for i := 0; i < 10; i++ {
		n, _ := tc.Remove(batch)
		held = append(held, batch[:n]...)
	}
	for i := 0; i < len(held); i += 32 {
		if err := tc.Insert(held[i : i+32]); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	if spans.LiveSpans() == 0 {
		t.Fatal("cached objects should keep their spans live")
	}

	tc.TryPlunder()
	tc.TryPlunder()
	if tc.Length() != 0 || cfl.Length() != 0 {
		t.Errorf("after plunder cache %d free list %d, want 0 0", tc.Length(), cfl.Length())
	}
	if spans.LiveSpans() != 0 {
		t.Errorf("live spans = %d after everything returned, want 0", spans.LiveSpans())
	}
}

// TestEvictionKeepsValidObjects caches a bad object next to valid ones and
// checks the valid ones still get back to their span when evicted.
func TestEvictionKeepsValidObjects(t *testing.T) {
	tests := []struct {
		name string
		bad  func(valid []classcache.Addr) classcache.Addr
	}{
		{"unmapped", func([]classcache.Addr) classcache.Addr { return classcache.Addr(8) }},
		{"repeated", func(valid []classcache.Addr) classcache.Addr { return valid[0] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, _ := sizeclass.New(256, 1, 32)
			spans := testutil.NewMockSpanAllocator()
			cfl, err := central.New(1, desc, spans)
			if err != nil {
				t.Fatalf("central.New() failed: %v", err)
			}
			tc, err := New(1, desc, cfl, sizeclass.CapacityFor(desc, 0))
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}

			valid := make([]classcache.Addr, 4)
			if n, err := tc.Remove(valid); n != 4 || err != nil {
				t.Fatalf("Remove() = %d, %v", n, err)
			}
			if err := tc.Insert(valid); err != nil {
				t.Fatalf("Insert() failed: %v", err)
			}
			if err := tc.Insert([]classcache.Addr{tt.bad(valid)}); err != nil {
				t.Fatalf("Insert() failed: %v", err)
			}

			tc.TryPlunder()
			tc.TryPlunder()
			if tc.Length() != 0 || cfl.Length() != 0 {
				t.Errorf("after plunder cache %d free list %d, want 0 0", tc.Length(), cfl.Length())
			}
			if spans.LiveSpans() != 0 || cfl.GetSpanStats().NumLiveSpans() != 0 {
				t.Errorf("live spans = %d (list %d), want 0", spans.LiveSpans(), cfl.GetSpanStats().NumLiveSpans())
			}
			checkInvariants(t, tc)
		})
	}
}

func TestPrint(t *testing.T) {
	tc, fl := newTestCache(t, testBatch, 4*testBatch)
	fill(tc, fl, testBatch)
	tc.Remove(make([]classcache.Addr, 2))

	var sb strings.Builder
	tc.Print(stats.NewPrinter(&sb))
	want := "class   3 [       64 bytes ] :        1 insert hits;        0 insert misses (       0 partial);" +
		"        1 remove hits;        0 remove misses (       0 partial);      6/     8/    32 used/capacity/max\n"
	if sb.String() != want {
		t.Errorf("Print() =\n%q\nwant\n%q", sb.String(), want)
	}

	sb.Reset()
	tc.PrintInPbtxt(stats.NewRegion(stats.NewPrinter(&sb)))
	out := sb.String()
	for _, line := range []string{"transfer_cache {\n", "  sizeclass: 3\n", "  used: 6\n", "  max_capacity: 32\n", "}\n"} {
		if !strings.Contains(out, line) {
			t.Errorf("PrintInPbtxt() missing %q:\n%s", line, out)
		}
	}
}

func TestStatsSub(t *testing.T) {
	prev := Stats{InsertHits: 3, RemoveMisses: 1}
	cur := Stats{InsertHits: 5, RemoveMisses: 4, Used: 7}
	d := cur.Sub(prev)
	if d.InsertHits != 2 || d.RemoveMisses != 3 || d.Used != 7 {
		t.Errorf("Sub() = %+v", d)
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrent stress test in short mode")
	}
	desc, _ := sizeclass.New(128, 1, 16)
	spans := testutil.NewMockSpanAllocator()
	cfl, _ := central.New(1, desc, spans)
	tc, _ := New(1, desc, cfl, sizeclass.Capacity{Initial: 64, Max: 256})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var held []classcache.Addr
			batch := make([]classcache.Addr, 16)
			for i := 0; i < 2000; i++ {
				switch {
				case i%7 == 0 && w == 0:
					tc.TryPlunder()
				case i%11 == 0 && w == 1:
					if !tc.Grow() {
						tc.Shrink()
					}
				case len(held) < 64:
					n, err := tc.Remove(batch)
					if err != nil {
						t.Errorf("Remove() failed: %v", err)
						return
					}
					held = append(held, batch[:n]...)
				default:
					if err := tc.Insert(held[len(held)-16:]); err != nil {
						t.Errorf("Insert() failed: %v", err)
						return
					}
					held = held[:len(held)-16]
				}
			}
			for len(held) >= 16 {
				tc.Insert(held[len(held)-16:])
				held = held[:len(held)-16]
			}
			if len(held) > 0 {
				tc.Insert(held)
			}
		}(w)
	}
	wg.Wait()

	checkInvariants(t, tc)
	tc.TryPlunder()
	tc.TryPlunder()
	if cfl.Length() != 0 || spans.LiveSpans() != 0 {
		t.Errorf("after drain free list %d live spans %d, want 0 0", cfl.Length(), spans.LiveSpans())
	}
}
