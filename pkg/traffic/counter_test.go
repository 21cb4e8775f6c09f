package traffic

import (
	"testing"
)

func TestRecordAndDrain(t *testing.T) {
	c := NewCounter()
	c.RecordUp(500_000)
	c.RecordDown(250_000)

	// Nothing is published before the drain.
	snap := c.Snapshot()
	if snap.UploadTotal != 0 || snap.DownloadTotal != 0 {
		t.Fatalf("totals advanced before drain: %+v", snap)
	}

	c.tick()
	snap = c.Snapshot()
	if snap.UploadTotal != 500_000 {
		t.Errorf("UploadTotal = %d, want 500000", snap.UploadTotal)
	}
	if snap.DownloadTotal != 250_000 {
		t.Errorf("DownloadTotal = %d, want 250000", snap.DownloadTotal)
	}
	if snap.UploadMbps != 4.0 {
		t.Errorf("UploadMbps = %v, want 4.0", snap.UploadMbps)
	}
	if snap.DownloadMbps != 2.0 {
		t.Errorf("DownloadMbps = %v, want 2.0", snap.DownloadMbps)
	}
}

func TestRatesDeriveFromDeltasNotTotals(t *testing.T) {
	c := NewCounter()
	c.RecordUp(1_000_000)
	c.tick()

	// A quiet second zeroes the rates while totals hold.
	c.tick()
	snap := c.Snapshot()
	if snap.UploadTotal != 1_000_000 {
		t.Errorf("UploadTotal = %d, want 1000000", snap.UploadTotal)
	}
	if snap.UploadMbps != 0 {
		t.Errorf("UploadMbps = %v, want 0 after quiet tick", snap.UploadMbps)
	}
}

func TestTotalsMonotonic(t *testing.T) {
	c := NewCounter()
	var lastUp, lastDown uint64
	for i := 0; i < 10; i++ {
		c.RecordUp(i * 100)
		c.RecordDown(i * 50)
		c.tick()
		snap := c.Snapshot()
		if snap.UploadTotal < lastUp || snap.DownloadTotal < lastDown {
			t.Fatalf("totals decreased: %+v after (%d, %d)", snap, lastUp, lastDown)
		}
		lastUp, lastDown = snap.UploadTotal, snap.DownloadTotal
	}
}

func TestReset(t *testing.T) {
	c := NewCounter()
	c.RecordUp(100)
	c.RecordDown(100)
	c.tick()
	c.RecordUp(100) // pending at reset time

	c.Reset()
	snap := c.Snapshot()
	if snap.UploadTotal != 0 || snap.DownloadTotal != 0 {
		t.Errorf("totals not zeroed: %+v", snap)
	}
	if snap.UploadMbps != 0 || snap.DownloadMbps != 0 {
		t.Errorf("rates not zeroed: %+v", snap)
	}

	// The dropped pending delta must not resurface on the next drain.
	c.tick()
	if got := c.Snapshot().UploadTotal; got != 0 {
		t.Errorf("UploadTotal = %d after reset+tick, want 0", got)
	}
}

func TestForegroundGatesPublicationNotDrain(t *testing.T) {
	c := NewCounter()
	published := 0
	c.OnPublish(func(Snapshot) { published++ })

	c.SetForeground(false)
	c.RecordUp(100)
	c.tick()
	if published != 0 {
		t.Errorf("published %d times while backgrounded, want 0", published)
	}
	if got := c.Snapshot().UploadTotal; got != 100 {
		t.Errorf("UploadTotal = %d, want 100: drain must continue in background", got)
	}

	c.SetForeground(true)
	c.RecordUp(50)
	c.tick()
	if published != 1 {
		t.Errorf("published %d times after foregrounding, want 1", published)
	}
}

func TestStartStopTicker(t *testing.T) {
	c := NewCounter()
	c.Start()
	c.Start() // second start is a no-op
	c.Stop()
	c.Stop() // second stop is a no-op
}
