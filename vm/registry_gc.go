package vm

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// RegistryGCStats holds statistics from a single sweep.
type RegistryGCStats struct {
	Signatures    int // intern entries whose signature was collected
	Bootstraps    int // registry entries whose class was collected
	TotalSwept    int
	SweepDuration time.Duration
	Timestamp     time.Time
}

// RegistryGC periodically drops intern-table and bootstrap-registry entries
// whose weak referent has been collected.
type RegistryGC struct {
	vm       *VM
	interval time.Duration
	enabled  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   sync.WaitGroup

	sweepCount atomic.Uint64
	lastStats  atomic.Pointer[RegistryGCStats]
}

// DefaultGCInterval applies when NewRegistryGC is given no interval.
const DefaultGCInterval = 30 * time.Second

func NewRegistryGC(vm *VM, interval time.Duration) *RegistryGC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	gc := &RegistryGC{vm: vm, interval: interval}
	gc.enabled.Store(true)
	return gc
}

// Start launches the sweep loop unless one is already running.
func (gc *RegistryGC) Start() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	gc.cancel = cancel
	gc.done.Go(func() { gc.loop(ctx) })
}

// Stop cancels the sweep loop and waits for it to exit. Stopping an idle
// RegistryGC does nothing.
func (gc *RegistryGC) Stop() {
	gc.mu.Lock()
	cancel := gc.cancel
	gc.cancel = nil
	gc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	gc.done.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (gc *RegistryGC) Running() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.cancel != nil
}

// SetEnabled pauses or resumes sweeping without stopping the loop.
func (gc *RegistryGC) SetEnabled(enabled bool) {
	gc.enabled.Store(enabled)
}

func (gc *RegistryGC) IsEnabled() bool {
	return gc.enabled.Load()
}

func (gc *RegistryGC) Interval() time.Duration {
	return gc.interval
}

// SweepCount counts periodic and on-demand sweeps.
func (gc *RegistryGC) SweepCount() uint64 {
	return gc.sweepCount.Load()
}

// LastStats is nil until the first sweep.
func (gc *RegistryGC) LastStats() *RegistryGCStats {
	return gc.lastStats.Load()
}

// SweepNow runs a Go garbage collection and then an immediate sweep.
func (gc *RegistryGC) SweepNow() *RegistryGCStats {
	runtime.GC()
	return gc.sweep()
}

func (gc *RegistryGC) loop(ctx context.Context) {
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if gc.enabled.Load() {
				gc.sweep()
			}
		}
	}
}

// sweep performs one pass over both registries.
func (gc *RegistryGC) sweep() *RegistryGCStats {
	start := time.Now()
	stats := &RegistryGCStats{Timestamp: start}

	stats.Signatures = gc.vm.Types.signatures.Sweep()
	stats.Bootstraps = gc.vm.Linker.registry.Sweep()
	stats.TotalSwept = stats.Signatures + stats.Bootstraps
	stats.SweepDuration = time.Since(start)

	gc.sweepCount.Add(1)
	gc.lastStats.Store(stats)
	if stats.TotalSwept > 0 {
		log.Debugf("registry sweep dropped %d signatures and %d bootstraps", stats.Signatures, stats.Bootstraps)
	}
	return stats
}
