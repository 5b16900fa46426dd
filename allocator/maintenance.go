package allocator

import (
	"time"

	"github.com/cbehopkins/classcache/allocator/params"
)

// MaintenanceResult counts the actions of one maintenance pass.
type MaintenanceResult struct {
	Plundered int
	Grown     int
	Shrunk    int
}

// RunMaintenance performs one pass over every class using a single
// parameter snapshot. A class is plundered once the short release interval
// has passed since its last plunder and resized once the long interval has
// passed since its last resize; a zero interval disables that action.
func (h *Heap) RunMaintenance(now time.Time) MaintenanceResult {
	h.maintMu.Lock()
	defer h.maintMu.Unlock()

	p := h.cfg.Params.Snapshot()
	var res MaintenanceResult
	for i := range h.classes {
		e := &h.classes[i]
		if p.CacheDemandReleaseShortInterval > 0 && now.Sub(e.lastPlunder) >= p.CacheDemandReleaseShortInterval {
			e.transfer.TryPlunder()
			e.lastPlunder = now
			res.Plundered++
		}
		if p.CacheDemandReleaseLongInterval > 0 && now.Sub(e.lastResize) >= p.CacheDemandReleaseLongInterval {
			switch h.resize(e, p) {
			case 1:
				res.Grown++
			case -1:
				res.Shrunk++
			}
			e.lastResize = now
		}
	}
	return res
}

// resize grows a cache that missed often since the last resize and shrinks
// one that sat mostly empty. It returns +1, -1 or 0. Requires h.maintMu.
func (h *Heap) resize(e *classEntry, p params.Snapshot) int {
	cur := e.transfer.GetStats()
	delta := cur.Sub(e.lastStats)
	e.lastStats = cur

	if ops := delta.Ops(); ops > 0 && float64(delta.Misses())/float64(ops) >= p.DynamicSlabGrowThreshold {
		if e.transfer.Grow() {
			return 1
		}
		return 0
	}
	if cur.Capacity > 0 && float64(cur.Used)/float64(cur.Capacity) < p.DynamicSlabShrinkThreshold {
		if e.transfer.Shrink() {
			return -1
		}
	}
	return 0
}

// StartMaintenance runs RunMaintenance every BackgroundProcessSleepInterval
// until StopMaintenance or Close. It fails when already running or when
// background actions are disabled.
func (h *Heap) StartMaintenance() error {
	p := h.cfg.Params.Snapshot()
	if !p.BackgroundProcessActionsEnabled {
		return ErrMaintenanceDisabled
	}

	h.mu.Lock()
	if h.maintRunning {
		h.mu.Unlock()
		return ErrMaintenanceRunning
	}
	h.maintTicker = time.NewTicker(p.BackgroundProcessSleepInterval)
	h.maintDone = make(chan struct{})
	h.maintRunning = true
	ticker := h.maintTicker
	done := h.maintDone
	h.maintWG.Add(1)
	h.mu.Unlock()

	h.log.Info("maintenance started", "interval", p.BackgroundProcessSleepInterval)
	go h.maintenanceWorker(ticker, done)
	return nil
}

// StopMaintenance stops the worker and waits for a running pass to finish.
func (h *Heap) StopMaintenance() {
	h.mu.Lock()
	if !h.maintRunning {
		h.mu.Unlock()
		return
	}
	h.maintRunning = false
	h.maintTicker.Stop()
	close(h.maintDone)
	h.mu.Unlock()

	h.maintWG.Wait()
	h.log.Info("maintenance stopped")
}

// MaintenanceRunning reports whether the worker is active.
func (h *Heap) MaintenanceRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maintRunning
}

func (h *Heap) maintenanceWorker(ticker *time.Ticker, done chan struct{}) {
	defer h.maintWG.Done()
	for {
		select {
		case <-ticker.C:
			if h.cfg.Params.BackgroundProcessActionsEnabled() {
				res := h.RunMaintenance(h.cfg.Clock())
				h.log.Debug("maintenance pass",
					"plundered", res.Plundered, "grown", res.Grown, "shrunk", res.Shrunk)
			}
		case <-done:
			return
		}
	}
}
