// Package params holds the runtime tunables read by the caching core.
// Values are read and written atomically; components take a Snapshot at the
// moment they act and never observe a half updated set.
package params

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidParameter = errors.New("invalid parameter")

const (
	defaultTransferCacheMaxBytes           = 1 << 20
	defaultDynamicSlabGrowThreshold        = 0.9
	defaultDynamicSlabShrinkThreshold      = 0.4
	defaultBackgroundProcessSleepInterval  = time.Second
	defaultCacheDemandReleaseShortInterval = 10 * time.Second
	defaultCacheDemandReleaseLongInterval  = 60 * time.Second
)

// Environment variable names understood by FromEnv.
const (
	EnvTransferCacheMaxBytes           = "CLASSCACHE_TRANSFER_CACHE_MAX_BYTES"
	EnvDynamicSlabGrowThreshold        = "CLASSCACHE_DYNAMIC_SLAB_GROW_THRESHOLD"
	EnvDynamicSlabShrinkThreshold      = "CLASSCACHE_DYNAMIC_SLAB_SHRINK_THRESHOLD"
	EnvBackgroundProcessActions        = "CLASSCACHE_BACKGROUND_PROCESS_ACTIONS"
	EnvBackgroundProcessSleepInterval  = "CLASSCACHE_BACKGROUND_PROCESS_SLEEP_INTERVAL"
	EnvCacheDemandReleaseShortInterval = "CLASSCACHE_CACHE_DEMAND_RELEASE_SHORT_INTERVAL"
	EnvCacheDemandReleaseLongInterval  = "CLASSCACHE_CACHE_DEMAND_RELEASE_LONG_INTERVAL"
)

// Snapshot is a consistent copy of every parameter.
type Snapshot struct {
	TransferCacheMaxBytes           int64
	DynamicSlabGrowThreshold        float64
	DynamicSlabShrinkThreshold      float64
	BackgroundProcessActionsEnabled bool
	BackgroundProcessSleepInterval  time.Duration
	CacheDemandReleaseShortInterval time.Duration
	CacheDemandReleaseLongInterval  time.Duration
}

// Parameters is the live parameter store shared by a heap and its owner.
type Parameters struct {
	transferCacheMaxBytes           atomic.Int64
	dynamicSlabGrowThreshold        atomic.Uint64 // float64 bits
	dynamicSlabShrinkThreshold      atomic.Uint64 // float64 bits
	backgroundProcessActionsEnabled atomic.Bool
	backgroundProcessSleepInterval  atomic.Int64
	cacheDemandReleaseShortInterval atomic.Int64
	cacheDemandReleaseLongInterval  atomic.Int64

	// mu serializes writers; seq is odd while one is storing.
	mu  sync.Mutex
	seq atomic.Uint64
}

// New returns parameters holding the defaults.
func New() *Parameters {
	p := &Parameters{}
	p.store(Defaults())
	return p
}

// Defaults returns the default parameter values.
func Defaults() Snapshot {
	return Snapshot{
		TransferCacheMaxBytes:           defaultTransferCacheMaxBytes,
		DynamicSlabGrowThreshold:        defaultDynamicSlabGrowThreshold,
		DynamicSlabShrinkThreshold:      defaultDynamicSlabShrinkThreshold,
		BackgroundProcessSleepInterval:  defaultBackgroundProcessSleepInterval,
		CacheDemandReleaseShortInterval: defaultCacheDemandReleaseShortInterval,
		CacheDemandReleaseLongInterval:  defaultCacheDemandReleaseLongInterval,
	}
}

// Validate reports the first value out of range.
func (s Snapshot) Validate() error {
	switch {
	case s.TransferCacheMaxBytes < 0:
		return fmt.Errorf("%w: transfer cache max bytes %d < 0", ErrInvalidParameter, s.TransferCacheMaxBytes)
	case !inUnit(s.DynamicSlabGrowThreshold):
		return fmt.Errorf("%w: grow threshold %v outside [0, 1]", ErrInvalidParameter, s.DynamicSlabGrowThreshold)
	case !inUnit(s.DynamicSlabShrinkThreshold):
		return fmt.Errorf("%w: shrink threshold %v outside [0, 1]", ErrInvalidParameter, s.DynamicSlabShrinkThreshold)
	case s.BackgroundProcessSleepInterval <= 0:
		return fmt.Errorf("%w: sleep interval %v must be > 0", ErrInvalidParameter, s.BackgroundProcessSleepInterval)
	case s.CacheDemandReleaseShortInterval < 0 || s.CacheDemandReleaseLongInterval < 0:
		return fmt.Errorf("%w: release intervals must be >= 0", ErrInvalidParameter)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Snapshot returns a consistent copy of the current values.
func (p *Parameters) Snapshot() Snapshot {
	for {
		seq := p.seq.Load()
		if seq&1 == 1 {
			continue
		}
		s := p.load()
		if p.seq.Load() == seq {
			return s
		}
	}
}

// Set replaces every value at once after validating s.
func (p *Parameters) Set(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store(s)
	return nil
}

func (p *Parameters) load() Snapshot {
	return Snapshot{
		TransferCacheMaxBytes:           p.transferCacheMaxBytes.Load(),
		DynamicSlabGrowThreshold:        math.Float64frombits(p.dynamicSlabGrowThreshold.Load()),
		DynamicSlabShrinkThreshold:      math.Float64frombits(p.dynamicSlabShrinkThreshold.Load()),
		BackgroundProcessActionsEnabled: p.backgroundProcessActionsEnabled.Load(),
		BackgroundProcessSleepInterval:  time.Duration(p.backgroundProcessSleepInterval.Load()),
		CacheDemandReleaseShortInterval: time.Duration(p.cacheDemandReleaseShortInterval.Load()),
		CacheDemandReleaseLongInterval:  time.Duration(p.cacheDemandReleaseLongInterval.Load()),
	}
}

// store writes s. Requires p.mu or exclusive access.
func (p *Parameters) store(s Snapshot) {
	p.seq.Add(1)
	p.transferCacheMaxBytes.Store(s.TransferCacheMaxBytes)
	p.dynamicSlabGrowThreshold.Store(math.Float64bits(s.DynamicSlabGrowThreshold))
	p.dynamicSlabShrinkThreshold.Store(math.Float64bits(s.DynamicSlabShrinkThreshold))
	p.backgroundProcessActionsEnabled.Store(s.BackgroundProcessActionsEnabled)
	p.backgroundProcessSleepInterval.Store(int64(s.BackgroundProcessSleepInterval))
	p.cacheDemandReleaseShortInterval.Store(int64(s.CacheDemandReleaseShortInterval))
	p.cacheDemandReleaseLongInterval.Store(int64(s.CacheDemandReleaseLongInterval))
	p.seq.Add(1)
}

// update applies fn to the current values and stores the result.
func (p *Parameters) update(fn func(*Snapshot)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.load()
	fn(&s)
	if err := s.Validate(); err != nil {
		return err
	}
	p.store(s)
	return nil
}

func (p *Parameters) TransferCacheMaxBytes() int64 { return p.transferCacheMaxBytes.Load() }

func (p *Parameters) SetTransferCacheMaxBytes(v int64) error {
	return p.update(func(s *Snapshot) { s.TransferCacheMaxBytes = v })
}

func (p *Parameters) DynamicSlabGrowThreshold() float64 {
	return math.Float64frombits(p.dynamicSlabGrowThreshold.Load())
}

func (p *Parameters) SetDynamicSlabGrowThreshold(v float64) error {
	return p.update(func(s *Snapshot) { s.DynamicSlabGrowThreshold = v })
}

func (p *Parameters) DynamicSlabShrinkThreshold() float64 {
	return math.Float64frombits(p.dynamicSlabShrinkThreshold.Load())
}

func (p *Parameters) SetDynamicSlabShrinkThreshold(v float64) error {
	return p.update(func(s *Snapshot) { s.DynamicSlabShrinkThreshold = v })
}

func (p *Parameters) BackgroundProcessActionsEnabled() bool {
	return p.backgroundProcessActionsEnabled.Load()
}

func (p *Parameters) SetBackgroundProcessActionsEnabled(v bool) error {
	return p.update(func(s *Snapshot) { s.BackgroundProcessActionsEnabled = v })
}

func (p *Parameters) BackgroundProcessSleepInterval() time.Duration {
	return time.Duration(p.backgroundProcessSleepInterval.Load())
}

func (p *Parameters) SetBackgroundProcessSleepInterval(v time.Duration) error {
	return p.update(func(s *Snapshot) { s.BackgroundProcessSleepInterval = v })
}

func (p *Parameters) CacheDemandReleaseShortInterval() time.Duration {
	return time.Duration(p.cacheDemandReleaseShortInterval.Load())
}

func (p *Parameters) SetCacheDemandReleaseShortInterval(v time.Duration) error {
	return p.update(func(s *Snapshot) { s.CacheDemandReleaseShortInterval = v })
}

func (p *Parameters) CacheDemandReleaseLongInterval() time.Duration {
	return time.Duration(p.cacheDemandReleaseLongInterval.Load())
}

func (p *Parameters) SetCacheDemandReleaseLongInterval(v time.Duration) error {
	return p.update(func(s *Snapshot) { s.CacheDemandReleaseLongInterval = v })
}

// FromEnv overrides the values of p from the environment variables present
// in lookup, typically os.LookupEnv. Durations use time.ParseDuration syntax.
// Nothing is changed when any value fails to parse or validate.
func (p *Parameters) FromEnv(lookup func(string) (string, bool)) error {
	s := p.Snapshot()
	var errs []error

	if v, ok := lookup(EnvTransferCacheMaxBytes); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTransferCacheMaxBytes, err))
		}
		s.TransferCacheMaxBytes = n
	}
	parseFloat := func(name string, dst *float64) {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			*dst = f
		}
	}
	parseFloat(EnvDynamicSlabGrowThreshold, &s.DynamicSlabGrowThreshold)
	parseFloat(EnvDynamicSlabShrinkThreshold, &s.DynamicSlabShrinkThreshold)

	if v, ok := lookup(EnvBackgroundProcessActions); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBackgroundProcessActions, err))
		}
		s.BackgroundProcessActionsEnabled = b
	}
	parseDuration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			*dst = d
		}
	}
	parseDuration(EnvBackgroundProcessSleepInterval, &s.BackgroundProcessSleepInterval)
	parseDuration(EnvCacheDemandReleaseShortInterval, &s.CacheDemandReleaseShortInterval)
	parseDuration(EnvCacheDemandReleaseLongInterval, &s.CacheDemandReleaseLongInterval)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidParameter, errors.Join(errs...))
	}
	return p.Set(s)
}
