// Package traffic implements the engine's traffic accounting.
// Data-plane tasks record byte deltas into pending counters under a short
// critical section; a 1 Hz ticker drains the pending deltas into cumulative
// totals and derives last-second rates in Mb/s. Totals never decrease while
// the engine runs and are advanced only by the ticker drain.
package traffic

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// TickInterval is the accounting drain period.
const TickInterval = time.Second

// Snapshot is a consistent view of the published counters.
type Snapshot struct {
	UploadTotal   uint64
	DownloadTotal uint64
	UploadMbps    float64
	DownloadMbps  float64
}

// Counter accumulates upload/download byte counts and publishes
// per-second rates. All methods are safe for concurrent use.
type Counter struct {
	// mu guards the pending deltas. Hold time is two integer additions.
	mu          sync.Mutex
	pendingUp   int64
	pendingDown int64

	uploadTotal   atomic.Uint64
	downloadTotal atomic.Uint64
	uploadMbps    atomic.Uint64 // float64 bits
	downloadMbps  atomic.Uint64 // float64 bits

	// foreground gates observer publication, never the drain itself.
	foreground atomic.Bool

	publish func(Snapshot)

	runMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCounter creates a counter with publication enabled.
func NewCounter() *Counter {
	c := &Counter{}
	c.foreground.Store(true)
	return c
}

// OnPublish registers the observer invoked after every foreground tick.
// Must be set before Start.
func (c *Counter) OnPublish(fn func(Snapshot)) {
	c.publish = fn
}

// SetForeground toggles observer publication. The 1 Hz drain continues
// regardless so no bytes are lost while backgrounded.
func (c *Counter) SetForeground(fg bool) {
	c.foreground.Store(fg)
}

// RecordUp adds n uncommitted upload bytes.
func (c *Counter) RecordUp(n int) {
	c.mu.Lock()
	c.pendingUp += int64(n)
	c.mu.Unlock()
}

// RecordDown adds n uncommitted download bytes.
func (c *Counter) RecordDown(n int) {
	c.mu.Lock()
	c.pendingDown += int64(n)
	c.mu.Unlock()
}

// Snapshot returns the published totals and last-second rates.
func (c *Counter) Snapshot() Snapshot {
	return Snapshot{
		UploadTotal:   c.uploadTotal.Load(),
		DownloadTotal: c.downloadTotal.Load(),
		UploadMbps:    math.Float64frombits(c.uploadMbps.Load()),
		DownloadMbps:  math.Float64frombits(c.downloadMbps.Load()),
	}
}

// Reset zeroes pending deltas, totals, and rates.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.pendingUp = 0
	c.pendingDown = 0
	c.mu.Unlock()

	c.uploadTotal.Store(0)
	c.downloadTotal.Store(0)
	c.uploadMbps.Store(0)
	c.downloadMbps.Store(0)
}

// Start launches the 1 Hz drain ticker. No-op if already running.
func (c *Counter) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	stop := c.stopCh

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop terminates the ticker and waits for a drain in progress to finish.
// Pending deltas recorded since the last tick are not drained.
func (c *Counter) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.stopCh = nil
	c.wg.Wait()
}

// tick drains the pending deltas into totals and recomputes rates.
// Rates derive from the just-drained deltas, not from total differences,
// so a restart zeroes them cleanly.
func (c *Counter) tick() {
	c.mu.Lock()
	upDelta := c.pendingUp
	downDelta := c.pendingDown
	c.pendingUp = 0
	c.pendingDown = 0
	c.mu.Unlock()

	c.uploadTotal.Add(uint64(upDelta))
	c.downloadTotal.Add(uint64(downDelta))
	c.uploadMbps.Store(math.Float64bits(float64(upDelta) * 8 / 1_000_000))
	c.downloadMbps.Store(math.Float64bits(float64(downDelta) * 8 / 1_000_000))

	if c.publish != nil && c.foreground.Load() {
		c.publish(c.Snapshot())
	}
}
