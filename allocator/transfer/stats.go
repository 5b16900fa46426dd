package transfer

import "github.com/cbehopkins/classcache/allocator/stats"

// Stats is a snapshot of a TransferCache.
type Stats struct {
	InsertHits           uint64
	InsertMisses         uint64
	InsertNonBatchMisses uint64
	RemoveHits           uint64
	RemoveMisses         uint64
	RemoveNonBatchMisses uint64

	Used        int
	Capacity    int
	MaxCapacity int
	BatchSize   int
}

// Misses returns insert plus remove misses.
func (s Stats) Misses() uint64 {
	return s.InsertMisses + s.RemoveMisses
}

// Ops returns the number of non-empty Insert and Remove calls.
func (s Stats) Ops() uint64 {
	return s.InsertHits + s.InsertMisses + s.RemoveHits + s.RemoveMisses
}

// Sub returns the counter deltas from prev to s. Gauges are taken from s.
func (s Stats) Sub(prev Stats) Stats {
	d := s
	d.InsertHits -= prev.InsertHits
	d.InsertMisses -= prev.InsertMisses
	d.InsertNonBatchMisses -= prev.InsertNonBatchMisses
	d.RemoveHits -= prev.RemoveHits
	d.RemoveMisses -= prev.RemoveMisses
	d.RemoveNonBatchMisses -= prev.RemoveNonBatchMisses
	return d
}

// GetStats snapshots the counters under the lock.
func (tc *TransferCache) GetStats() Stats {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return Stats{
		InsertHits:           tc.insertHits,
		InsertMisses:         tc.insertMisses,
		InsertNonBatchMisses: tc.insertNonBatchMisses,
		RemoveHits:           tc.removeHits,
		RemoveMisses:         tc.removeMisses,
		RemoveNonBatchMisses: tc.removeNonBatchMisses,
		Used:                 tc.used,
		Capacity:             tc.capacity,
		MaxCapacity:          tc.maxCapacity,
		BatchSize:            tc.desc.BatchSize,
	}
}

// Print writes one line of counters.
func (tc *TransferCache) Print(p *stats.Printer) {
	s := tc.GetStats()
	p.Printf("class %3d [ %8d bytes ] : %8d insert hits; %8d insert misses (%8d partial);"+
		" %8d remove hits; %8d remove misses (%8d partial); %6d/%6d/%6d used/capacity/max\n",
		tc.class, tc.desc.Size,
		s.InsertHits, s.InsertMisses, s.InsertNonBatchMisses,
		s.RemoveHits, s.RemoveMisses, s.RemoveNonBatchMisses,
		s.Used, s.Capacity, s.MaxCapacity)
}

// PrintInPbtxt writes the counters as a transfer_cache message.
func (tc *TransferCache) PrintInPbtxt(r *stats.Region) {
	s := tc.GetStats()
	sub := r.SubRegion("transfer_cache")
	sub.PrintI64("sizeclass", int64(tc.class))
	sub.PrintI64("insert_hits", int64(s.InsertHits))
	sub.PrintI64("insert_misses", int64(s.InsertMisses))
	sub.PrintI64("insert_non_batch_misses", int64(s.InsertNonBatchMisses))
	sub.PrintI64("remove_hits", int64(s.RemoveHits))
	sub.PrintI64("remove_misses", int64(s.RemoveMisses))
	sub.PrintI64("remove_non_batch_misses", int64(s.RemoveNonBatchMisses))
	sub.PrintI64("used", int64(s.Used))
	sub.PrintI64("capacity", int64(s.Capacity))
	sub.PrintI64("max_capacity", int64(s.MaxCapacity))
	sub.Close()
}
