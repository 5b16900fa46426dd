package central

import (
	"math/bits"
	"time"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator/span"
	"github.com/cbehopkins/classcache/allocator/stats"
)

// SpanStats is a snapshot of the span accounting of one class.
type SpanStats struct {
	NumSpansRequested uint64
	NumSpansReturned  uint64
	// ObjCapacity is live spans times objects per span.
	ObjCapacity int
	// FreeObjects is the free slot total at the same instant.
	FreeObjects int
}

// NumLiveSpans returns the number of spans currently owned.
func (s SpanStats) NumLiveSpans() int {
	return int(s.NumSpansRequested - s.NumSpansReturned)
}

// ProbReturned returns the fraction of requested spans given back.
func (s SpanStats) ProbReturned() float64 {
	if s.NumSpansRequested == 0 {
		return 0
	}
	return float64(s.NumSpansReturned) / float64(s.NumSpansRequested)
}

// GetSpanStats snapshots the span accounting under the lock.
func (c *CentralFreeList) GetSpanStats() SpanStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SpanStats{
		NumSpansRequested: c.spansRequested,
		NumSpansReturned:  c.spansReturned,
		ObjCapacity:       c.liveSpans * c.desc.ObjectsPerSpan,
		FreeObjects:       int(c.freeObjects.Load()),
	}
}

// numUtilBuckets covers bits.Len of every allocated count up to
// MaxObjectsPerSpan.
var numUtilBuckets = bits.Len(uint(classcache.MaxObjectsPerSpan)) + 1

// UtilHistogram counts live spans by allocated objects. Buckets[b] holds
// spans whose allocated count c satisfies bits.Len(c) == b, that is
// 2^(b-1) <= c < 2^b.
type UtilHistogram struct {
	ObjectsPerSpan int
	Buckets        []int
}

// UsedBuckets returns how many buckets can be non-empty for the class.
func (h UtilHistogram) UsedBuckets() int {
	return bits.Len(uint(h.ObjectsPerSpan)) + 1
}

// SpanUtilHistogram returns the utilization histogram of live spans.
func (c *CentralFreeList) SpanUtilHistogram() UtilHistogram {
	h := UtilHistogram{
		ObjectsPerSpan: c.desc.ObjectsPerSpan,
		Buckets:        make([]int, numUtilBuckets),
	}
	c.mu.Lock()
	c.forEachSpan(func(s *span.Span) {
		h.Buckets[bits.Len(uint(s.Allocated()))]++
	})
	c.mu.Unlock()
	return h
}

// LifetimeBounds are the upper bounds of the lifetime buckets. The final
// bucket is unbounded.
var LifetimeBounds = [...]time.Duration{
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
	100 * time.Second,
	1000 * time.Second,
}

const numLifetimeBuckets = len(LifetimeBounds) + 1

func lifetimeBucket(d time.Duration) int {
	for i, bound := range LifetimeBounds {
		if d < bound {
			return i
		}
	}
	return len(LifetimeBounds)
}

// LifetimeHistogram counts live spans by age and released spans by the time
// they were owned.
type LifetimeHistogram struct {
	Live     [numLifetimeBuckets]int
	Released [numLifetimeBuckets]uint64
}

// SpanLifetimeHistogram returns the lifetime histogram at the current time.
func (c *CentralFreeList) SpanLifetimeHistogram() LifetimeHistogram {
	var h LifetimeHistogram
	c.mu.Lock()
	now := c.now()
	c.forEachSpan(func(s *span.Span) {
		h.Live[lifetimeBucket(now.Sub(s.Created()))]++
	})
	h.Released = c.released
	c.mu.Unlock()
	return h
}

func (c *CentralFreeList) printClassHeader(p *stats.Printer) {
	p.Printf("class %3d [ %8d bytes ] :", c.class, c.desc.Size)
}

// PrintSpanUtilStats writes one line of the utilization histogram.
func (c *CentralFreeList) PrintSpanUtilStats(p *stats.Printer) {
	h := c.SpanUtilHistogram()
	c.printClassHeader(p)
	for b := 1; b < h.UsedBuckets(); b++ {
		sep := ","
		if b == h.UsedBuckets()-1 {
			sep = ""
		}
		p.Printf(" %6d < %d%s", h.Buckets[b], 1<<b, sep)
	}
	p.Printf("\n")
}

func lifetimeLabel(i int) string {
	if i < len(LifetimeBounds) {
		return "< " + LifetimeBounds[i].String()
	}
	return ">= " + LifetimeBounds[len(LifetimeBounds)-1].String()
}

// PrintSpanLifetimeStats writes the live and released lifetime histograms.
func (c *CentralFreeList) PrintSpanLifetimeStats(p *stats.Printer) {
	h := c.SpanLifetimeHistogram()
	c.printClassHeader(p)
	p.Printf(" live")
	for i, n := range h.Live {
		p.Printf(" %6d %s;", n, lifetimeLabel(i))
	}
	p.Printf("\n")
	c.printClassHeader(p)
	p.Printf(" released")
	for i, n := range h.Released {
		p.Printf(" %6d %s;", n, lifetimeLabel(i))
	}
	p.Printf("\n")
}

// PrintSpanUtilStatsInPbtxt writes the utilization histogram as span_util
// messages.
func (c *CentralFreeList) PrintSpanUtilStatsInPbtxt(r *stats.Region) {
	h := c.SpanUtilHistogram()
	for b := 1; b < h.UsedBuckets(); b++ {
		sub := r.SubRegion("span_util")
		sub.PrintI64("upper_bound", int64(1)<<b)
		sub.PrintI64("value", int64(h.Buckets[b]))
		sub.Close()
	}
}

// PrintSpanLifetimeStatsInPbtxt writes the lifetime histograms as
// span_lifetime messages.
func (c *CentralFreeList) PrintSpanLifetimeStatsInPbtxt(r *stats.Region) {
	h := c.SpanLifetimeHistogram()
	for i := range h.Live {
		sub := r.SubRegion("span_lifetime")
		if i > 0 {
			sub.PrintI64("lower_bound_ms", LifetimeBounds[i-1].Milliseconds())
		} else {
			sub.PrintI64("lower_bound_ms", 0)
		}
		if i < len(LifetimeBounds) {
			sub.PrintI64("upper_bound_ms", LifetimeBounds[i].Milliseconds())
		}
		sub.PrintI64("live", int64(h.Live[i]))
		sub.PrintI64("released", int64(h.Released[i]))
		sub.Close()
	}
}
