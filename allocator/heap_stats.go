package allocator

import (
	"io"

	"github.com/cbehopkins/classcache/allocator/central"
	"github.com/cbehopkins/classcache/allocator/sizeclass"
	"github.com/cbehopkins/classcache/allocator/stats"
	"github.com/cbehopkins/classcache/allocator/transfer"
	"github.com/cbehopkins/classcache/allocator/types"
)

// ClassStats is the snapshot of one class.
type ClassStats struct {
	Class          int
	Descriptor     sizeclass.Descriptor
	Spans          central.SpanStats
	FreeListLength int
	OverheadBytes  int
	Transfer       transfer.Stats
	// Residency is zero unless Config.Residency is set.
	Residency types.ResidencyInfo
}

// FreeBytes returns the bytes of free objects held by the class.
func (s ClassStats) FreeBytes() int {
	return (s.FreeListLength + s.Transfer.Used) * s.Descriptor.Size
}

// Stats snapshots every class. Each class is consistent in itself; classes
// are read one after another.
func (h *Heap) Stats() []ClassStats {
	out := make([]ClassStats, len(h.classes))
	for i := range h.classes {
		e := &h.classes[i]
		out[i] = ClassStats{
			Class:          i,
			Descriptor:     e.central.Descriptor(),
			Spans:          e.central.GetSpanStats(),
			FreeListLength: e.central.Length(),
			OverheadBytes:  e.central.OverheadBytes(),
			Transfer:       e.transfer.GetStats(),
		}
		if h.cfg.Residency != nil {
			out[i].Residency = e.central.Residency(h.cfg.Residency)
		}
	}
	return out
}

const mib = 1 << 20

// DumpStats writes a human readable report: one line per class in use,
// the span utilization and lifetime histograms, and the transfer caches.
func (h *Heap) DumpStats(w io.Writer) error {
	p := stats.NewPrinter(w)
	all := h.Stats()

	var free, overhead, live uint64
	for _, s := range all {
		free += uint64(s.FreeBytes())
		overhead += uint64(s.OverheadBytes)
		live += uint64(s.Spans.NumLiveSpans())
	}
	p.Printf("------------------------------------------------\n")
	p.Printf("Total size of free objects: %12d (%7.1f MiB)\n", free, float64(free)/mib)
	p.Printf("Span tail overhead:         %12d (%7.1f MiB)\n", overhead, float64(overhead)/mib)
	p.Printf("Live spans:                 %12d\n", live)
	p.Printf("------------------------------------------------\n")
	p.Printf("Free objects by class\n")
	for _, s := range all {
		if s.Spans.NumSpansRequested == 0 {
			continue
		}
		p.Printf("class %3d [ %8d bytes ] : %8d objs; %7.1f MiB; %6d spans; %8d capacity; %8d overhead;"+
			" %5.3f spans returned\n",
			s.Class, s.Descriptor.Size, s.FreeListLength+s.Transfer.Used, float64(s.FreeBytes())/mib,
			s.Spans.NumLiveSpans(), s.Spans.ObjCapacity, s.OverheadBytes, s.Spans.ProbReturned())
		if h.cfg.Residency != nil {
			p.Printf("          %8d resident; %8d swapped; %8d unbacked bytes\n",
				s.Residency.BytesResident, s.Residency.BytesSwapped, s.Residency.BytesUnbacked)
		}
	}

	p.Printf("------------------------------------------------\n")
	p.Printf("Span utilization histogram (live spans by allocated objects)\n")
	for i := range h.classes {
		if all[i].Spans.NumSpansRequested > 0 {
			h.classes[i].central.PrintSpanUtilStats(p)
		}
	}
	p.Printf("------------------------------------------------\n")
	p.Printf("Span lifetime histogram\n")
	for i := range h.classes {
		if all[i].Spans.NumSpansRequested > 0 {
			h.classes[i].central.PrintSpanLifetimeStats(p)
		}
	}
	p.Printf("------------------------------------------------\n")
	p.Printf("Transfer cache\n")
	for i := range h.classes {
		if all[i].Transfer.Ops() > 0 || all[i].Transfer.Used > 0 {
			h.classes[i].transfer.Print(p)
		}
	}
	return p.Err()
}

// DumpStatsInPbtxt writes one freelist and one transfer_cache message per
// class in protobuf text format.
func (h *Heap) DumpStatsInPbtxt(w io.Writer) error {
	p := stats.NewPrinter(w)
	top := stats.NewRegion(p)
	for i, s := range h.Stats() {
		e := &h.classes[i]
		r := top.SubRegion("freelist")
		r.PrintI64("sizeclass", int64(s.Class))
		r.PrintI64("bytes", int64(s.Descriptor.Size))
		r.PrintI64("num_spans_requested", int64(s.Spans.NumSpansRequested))
		r.PrintI64("num_spans_returned", int64(s.Spans.NumSpansReturned))
		r.PrintI64("obj_capacity", int64(s.Spans.ObjCapacity))
		r.PrintI64("free_objects", int64(s.FreeListLength))
		r.PrintI64("overhead_bytes", int64(s.OverheadBytes))
		r.PrintDouble("prob_returned", s.Spans.ProbReturned())
		if h.cfg.Residency != nil {
			r.PrintI64("resident_bytes", int64(s.Residency.BytesResident))
			r.PrintI64("swapped_bytes", int64(s.Residency.BytesSwapped))
		}
		e.central.PrintSpanUtilStatsInPbtxt(r)
		e.central.PrintSpanLifetimeStatsInPbtxt(r)
		r.Close()

		e.transfer.PrintInPbtxt(top)
	}
	top.Close()
	return p.Err()
}
