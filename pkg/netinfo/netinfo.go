// Package netinfo inspects the host's network interfaces.
// It locates the IPv4 address of the LAN-facing interface so the engine
// can publish a reachable bind address to upper layers.
package netinfo

import (
	"net"
	"strings"
)

// Sentinel is returned when no LAN interface reports an IPv4 address
// or when interface enumeration is unavailable.
const Sentinel = "0.0.0.0"

// LocalIPv4 returns the IPv4 address of the preferred LAN interface.
// The preferred interface is the first whose name equals "en0" or whose
// name begins with "bridge". The call never blocks and never fails:
// enumeration errors are reported as the sentinel address.
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Sentinel
	}

	for _, iface := range ifaces {
		if iface.Name != "en0" && !strings.HasPrefix(iface.Name, "bridge") {
			continue
		}
		if addr := ipv4Of(iface); addr != "" {
			return addr
		}
	}

	return Sentinel
}

// ipv4Of returns the first IPv4 address assigned to iface, or "".
func ipv4Of(iface net.Interface) string {
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
	}

	return ""
}
