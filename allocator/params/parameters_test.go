package params

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	s := New().Snapshot()
	if s != Defaults() {
		t.Fatalf("New().Snapshot() = %+v, want %+v", s, Defaults())
	}
	if s.TransferCacheMaxBytes != 1<<20 {
		t.Errorf("TransferCacheMaxBytes = %d, want %d", s.TransferCacheMaxBytes, 1<<20)
	}
	if s.BackgroundProcessActionsEnabled {
		t.Error("background actions enabled by default")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestSetters(t *testing.T) {
	p := New()
	if err := p.SetDynamicSlabGrowThreshold(0.75); err != nil {
		t.Fatalf("SetDynamicSlabGrowThreshold() failed: %v", err)
	}
	if got := p.DynamicSlabGrowThreshold(); got != 0.75 {
		t.Errorf("DynamicSlabGrowThreshold() = %v, want 0.75", got)
	}
	if err := p.SetCacheDemandReleaseShortInterval(time.Minute); err != nil {
		t.Fatalf("SetCacheDemandReleaseShortInterval() failed: %v", err)
	}
	if got := p.Snapshot().CacheDemandReleaseShortInterval; got != time.Minute {
		t.Errorf("CacheDemandReleaseShortInterval = %v, want 1m", got)
	}
	if err := p.SetBackgroundProcessActionsEnabled(true); err != nil || !p.BackgroundProcessActionsEnabled() {
		t.Errorf("SetBackgroundProcessActionsEnabled(true) = %v", err)
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	p := New()
	tests := []struct {
		name string
		set  func() error
	}{
		{"negative bytes", func() error { return p.SetTransferCacheMaxBytes(-1) }},
		{"grow above one", func() error { return p.SetDynamicSlabGrowThreshold(1.5) }},
		{"shrink negative", func() error { return p.SetDynamicSlabShrinkThreshold(-0.1) }},
		{"zero sleep", func() error { return p.SetBackgroundProcessSleepInterval(0) }},
		{"negative interval", func() error { return p.SetCacheDemandReleaseLongInterval(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.set(); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("set = %v, want %v", err, ErrInvalidParameter)
			}
		})
	}
	if p.Snapshot() != Defaults() {
		t.Errorf("rejected sets changed values: %+v", p.Snapshot())
	}
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		EnvTransferCacheMaxBytes:          "4096",
		EnvDynamicSlabShrinkThreshold:     "0.25",
		EnvBackgroundProcessActions:       "true",
		EnvBackgroundProcessSleepInterval: "250ms",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	p := New()
	if err := p.FromEnv(lookup); err != nil {
		t.Fatalf("FromEnv() failed: %v", err)
	}
	s := p.Snapshot()
	if s.TransferCacheMaxBytes != 4096 || s.DynamicSlabShrinkThreshold != 0.25 ||
		!s.BackgroundProcessActionsEnabled || s.BackgroundProcessSleepInterval != 250*time.Millisecond {
		t.Errorf("Snapshot() after FromEnv = %+v", s)
	}
	if s.DynamicSlabGrowThreshold != Defaults().DynamicSlabGrowThreshold {
		t.Errorf("unset grow threshold changed to %v", s.DynamicSlabGrowThreshold)
	}

	env[EnvCacheDemandReleaseLongInterval] = "soon"
	env[EnvTransferCacheMaxBytes] = "8192"
	if err := p.FromEnv(lookup); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("FromEnv(bad duration) = %v, want %v", err, ErrInvalidParameter)
	}
	if p.TransferCacheMaxBytes() != 4096 {
		t.Errorf("TransferCacheMaxBytes() = %d after failed FromEnv, want 4096", p.TransferCacheMaxBytes())
	}
}

// TestSnapshotConsistent checks readers never see a mix of two Sets.
func TestSnapshotConsistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrent test in short mode")
	}
	p := New()
	a := Defaults()
	b := Defaults()
	b.TransferCacheMaxBytes = 1 << 10
	b.DynamicSlabGrowThreshold = 0.5
	b.CacheDemandReleaseLongInterval = time.Hour

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if i%2 == 0 {
				p.Set(a)
			} else {
				p.Set(b)
			}
		}
	}()

	for i := 0; i < 20000; i++ {
		if s := p.Snapshot(); s != a && s != b {
			close(done)
			wg.Wait()
			t.Fatalf("torn snapshot %+v", s)
		}
	}
	close(done)
	wg.Wait()
}
