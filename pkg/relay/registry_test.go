package relay

import (
	"net"
	"testing"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	in := r.Add(c1, true)
	out := r.Add(c2, false)

	if got := r.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	// Outbound connections do not count towards clients.
	if got := r.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}

	r.Remove(in.ID)
	r.Remove(out.ID)
	r.Remove(out.ID) // removing twice is a no-op

	if got := r.Len(); got != 0 {
		t.Errorf("Len = %d after removes, want 0", got)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()

	var ends []net.Conn
	for i := 0; i < 5; i++ {
		c1, c2 := net.Pipe()
		r.Add(c1, i%2 == 0)
		ends = append(ends, c2)
	}

	r.CloseAll()

	for i, end := range ends {
		if _, err := end.Read(make([]byte, 1)); err == nil {
			t.Errorf("connection %d still open after CloseAll", i)
		}
		end.Close()
	}
}

func TestRegistryCountCallback(t *testing.T) {
	r := NewRegistry()

	var counts []int
	r.OnCountChange(func(n int) { counts = append(counts, n) })

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	in := r.Add(c1, true)
	r.Add(c2, false) // outbound: fires, count unchanged
	r.Remove(in.ID)

	want := []int{1, 1, 0}
	if len(counts) != len(want) {
		t.Fatalf("callback fired %d times, want %d", len(counts), len(want))
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("count[%d] = %d, want %d", i, counts[i], want[i])
		}
	}
}
