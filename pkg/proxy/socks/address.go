package socks

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"
)

// decodeHost renders the DST.ADDR field for the given address type and
// reports how many bytes it occupied. IPv6 hosts come back unbracketed;
// callers join them with the port, which adds brackets as needed.
func decodeHost(addrType byte, data []byte) (string, int, byte) {
	switch addrType {
	case IPv4:
		if len(data) < net.IPv4len {
			return "", 0, GeneralFailure
		}
		addr := netip.AddrFrom4([4]byte(data[:net.IPv4len]))
		return addr.String(), net.IPv4len, Succeeded

	case IPv6:
		if len(data) < net.IPv6len {
			return "", 0, GeneralFailure
		}
		addr := netip.AddrFrom16([16]byte(data[:net.IPv6len]))
		return addr.String(), net.IPv6len, Succeeded

	case Domain:
		if len(data) == 0 {
			return "", 0, GeneralFailure
		}
		nameLen := int(data[0])
		if len(data) < 1+nameLen {
			return "", 0, GeneralFailure
		}
		return string(data[1 : 1+nameLen]), 1 + nameLen, Succeeded
	}

	return "", 0, AddressTypeNotSupported
}

// ParseNetworkAddress decodes the RFC 1928 DST.ADDR + DST.PORT pair that
// follows an ATYP byte. It returns a dialable host:port string, the
// number of bytes consumed, and a reply code: truncated input maps to
// GeneralFailure, an unknown address type to AddressTypeNotSupported.
func ParseNetworkAddress(addrType byte, data []byte) (string, int, byte) {
	host, n, code := decodeHost(addrType, data)
	if code != Succeeded {
		return "", 0, code
	}
	if len(data) < n+2 {
		return "", 0, GeneralFailure
	}
	port := binary.BigEndian.Uint16(data[n : n+2])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), n + 2, Succeeded
}

// ExtractUDPHeader locates the target of a SOCKS5 UDP datagram. The
// datagram opens with RSV(2) FRAG(1) ATYP(1) before the address pair;
// the returned length spans the whole header, so data[headerLen:] is the
// payload. The caller checks FRAG before forwarding.
func ExtractUDPHeader(data []byte) (string, int, byte) {
	if len(data) < MinUDPHeaderSize {
		return "", 0, GeneralFailure
	}

	addr, addrLen, code := ParseNetworkAddress(data[3], data[MinUDPHeaderSize:])
	if code != Succeeded {
		return "", 0, code
	}
	return addr, MinUDPHeaderSize + addrLen, Succeeded
}
