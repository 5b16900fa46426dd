//go:build unix

// Command classcache runs a concurrent synthetic workload against a heap
// backed by a real page heap and prints the resulting statistics.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cbehopkins/classcache"
	"github.com/cbehopkins/classcache/allocator"
	"github.com/cbehopkins/classcache/allocator/pageheap"
	"github.com/cbehopkins/classcache/allocator/params"
	"github.com/cbehopkins/classcache/allocator/residency"
)

func main() {
	os.Exit(run())
}

type options struct {
	arena       int
	workers     int
	ops         int
	seed        int64
	pbtxt       bool
	maintenance bool
	verbose     bool
}

func run() int {
	var opt options
	flag.IntVar(&opt.arena, "arena", 256<<20, "page heap arena size in bytes")
	flag.IntVar(&opt.workers, "workers", 4, "number of concurrent workers")
	flag.IntVar(&opt.ops, "ops", 100000, "batch operations per worker")
	flag.Int64Var(&opt.seed, "seed", 1, "random seed")
	flag.BoolVar(&opt.pbtxt, "pbtxt", false, "print stats in protobuf text format")
	flag.BoolVar(&opt.maintenance, "maintenance", false, "run the background maintenance worker")
	flag.BoolVar(&opt.verbose, "v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opt.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := workload(opt, log); err != nil {
		log.Error("workload failed", "err", err)
		return 1
	}
	return 0
}

func workload(opt options, log *slog.Logger) error {
	p := params.New()
	if err := p.FromEnv(os.LookupEnv); err != nil {
		return err
	}
	if opt.maintenance {
		if err := p.SetBackgroundProcessActionsEnabled(true); err != nil {
			return err
		}
	}

	ph, err := pageheap.New(pageheap.Config{ArenaBytes: opt.arena, Logger: log})
	if err != nil {
		return err
	}
	defer ph.Close()

	cfg := allocator.Config{Spans: ph, Params: p, Logger: log}
	if r, err := residency.Open(); err == nil {
		defer r.Close()
		cfg.Residency = r
	} else {
		log.Warn("residency unavailable", "err", err)
	}

	heap, err := allocator.New(cfg)
	if err != nil {
		return err
	}
	defer heap.Close()
	if opt.maintenance {
		if err := heap.StartMaintenance(); err != nil {
			return err
		}
	}

	var exhausted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < opt.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			exhausted.Add(int64(worker(heap, ph, opt.ops, seed)))
		}(opt.seed + int64(w))
	}
	wg.Wait()
	heap.StopMaintenance()

	// Two plunders drain every transfer cache.
	for class := 0; class < heap.NumClasses(); class++ {
		heap.Transfer(class).TryPlunder()
		heap.Transfer(class).TryPlunder()
	}

	if opt.pbtxt {
		err = heap.DumpStatsInPbtxt(os.Stdout)
	} else {
		err = heap.DumpStats(os.Stdout)
	}
	if err != nil {
		return err
	}

	st := ph.Stats()
	log.Info("workload done",
		"workers", opt.workers, "ops", opt.ops, "short_batches", exhausted.Load(),
		"spans_allocated", st.SpansAllocated, "spans_released", st.SpansReleased)
	if st.SpansInUse != 0 {
		return fmt.Errorf("%d spans still in use after returning every object", st.SpansInUse)
	}
	return nil
}

// worker performs ops random batch moves and returns everything it holds
// at the end. It returns the number of short batches.
func worker(heap *allocator.Heap, ph *pageheap.PageHeap, ops int, seed int64) int {
	rng := rand.New(rand.NewSource(seed))
	held := make([][]classcache.Addr, heap.NumClasses())
	batch := make([]classcache.Addr, classcache.MaxObjectsToMove)
	short := 0

	for i := 0; i < ops; i++ {
		// Small classes are picked far more often than large ones.
		class := int(rng.ExpFloat64() * float64(heap.NumClasses()) / 8)
		if class >= heap.NumClasses() {
			class = heap.NumClasses() - 1
		}
		d, _ := heap.Descriptor(class)
		n := rng.Intn(d.BatchSize) + 1

		if rng.Intn(100) < 55 || len(held[class]) < n {
			got, err := heap.RemoveRange(class, batch[:n])
			if err != nil {
				panic(err)
			}
			if got < n {
				short++
			}
			for _, addr := range batch[:got] {
				touch(ph, addr)
			}
			held[class] = append(held[class], batch[:got]...)
			continue
		}

		objs := held[class]
		if err := heap.InsertRange(class, objs[len(objs)-n:]); err != nil {
			panic(err)
		}
		held[class] = objs[:len(objs)-n]
	}

	for class, objs := range held {
		d, _ := heap.Descriptor(class)
		for len(objs) > 0 {
			n := min(len(objs), d.BatchSize)
			if err := heap.InsertRange(class, objs[:n]); err != nil {
				panic(err)
			}
			objs = objs[n:]
		}
	}
	return short
}

// touch writes the first byte of an allocated object.
func touch(ph *pageheap.PageHeap, addr classcache.Addr) {
	s := ph.SpanOf(addr)
	if s == nil {
		panic(fmt.Sprintf("object %#x has no span", uintptr(addr)))
	}
	s.Mem()[addr-s.Start()] = 0xa5
}
