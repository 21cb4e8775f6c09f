package netinfo

import (
	"net"
	"testing"
)

func TestLocalIPv4IsAlwaysAnAddress(t *testing.T) {
	got := LocalIPv4()

	ip := net.ParseIP(got)
	if ip == nil {
		t.Fatalf("LocalIPv4() = %q, not a valid IP", got)
	}
	if ip.To4() == nil {
		t.Fatalf("LocalIPv4() = %q, not IPv4", got)
	}
}

func TestIPv4OfUnnamedInterface(t *testing.T) {
	// An interface with no addresses yields the empty string, which the
	// caller folds into the sentinel.
	if got := ipv4Of(net.Interface{Index: -1}); got != "" {
		t.Errorf("ipv4Of(empty) = %q, want \"\"", got)
	}
}
