package socks

import (
	"fmt"
	"io"
	"net"
	"slices"

	"github.com/rs/zerolog/log"

	"tetherlink/pkg/netinfo"
	"tetherlink/pkg/relay"
	"tetherlink/pkg/traffic"
)

// Server implements the SOCKS5 TCP core. It processes authentication
// negotiation, command parsing, and data transfer between clients and
// remote targets. The server is safe for concurrent use; each accepted
// connection is served independently.
type Server struct {
	registry *relay.Registry
	counter  *traffic.Counter
	relay    *UDPRelay

	// localIP resolves the LAN address published in UDP ASSOCIATE
	// replies. Defaults to netinfo.LocalIPv4.
	localIP func() string
}

// NewServer creates a SOCKS5 server. The UDP relay may be nil, in which
// case UDP ASSOCIATE requests are refused with a general failure.
func NewServer(registry *relay.Registry, counter *traffic.Counter, udpRelay *UDPRelay) *Server {
	return &Server{
		registry: registry,
		counter:  counter,
		relay:    udpRelay,
		localIP:  netinfo.LocalIPv4,
	}
}

// ServeConn runs the SOCKS5 protocol flow on an accepted client
// connection and blocks until the session terminates. The flow consists
// of three sequential phases:
//
//  1. Authentication method negotiation
//  2. Command processing (CONNECT, UDP ASSOCIATE)
//  3. Data transfer between client and target
//
// The caller retains ownership of conn and closes it afterwards.
func (s *Server) ServeConn(conn net.Conn) {
	if err := s.handleGreeting(conn); err != nil {
		log.Debug().Err(err).Msg("SOCKS greeting failed")
		return
	}

	s.handleRequest(conn)
}

// handleGreeting processes the client's authentication method selection.
// Only the NO AUTHENTICATION REQUIRED (0x00) method is supported.
func (s *Server) handleGreeting(conn net.Conn) error {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return err
	}
	if head[0] != Version5 {
		return fmt.Errorf("unsupported SOCKS version 0x%02x", head[0])
	}

	methods := make([]byte, int(head[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	if !slices.Contains(methods, NoAuth) {
		conn.Write([]byte{Version5, NoAcceptableMethods})
		return fmt.Errorf("no acceptable authentication method")
	}

	_, err := conn.Write([]byte{Version5, NoAuth})
	return err
}

// handleRequest parses the SOCKS5 request and dispatches the command.
// Supported commands are:
//
//   - CONNECT (0x01): Establish TCP/IP stream connection
//   - UDP ASSOCIATE (0x03): UDP relay
//
// Unsupported commands are:
//
//   - BIND (0x02): TCP/IP port binding
func (s *Server) handleRequest(conn net.Conn) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		s.sendReply(conn, GeneralFailure)
		return
	}
	if head[0] != Version5 {
		s.sendReply(conn, GeneralFailure)
		return
	}

	cmd := head[1]
	target, code := s.readAddress(conn, head[3])
	if code != Succeeded {
		s.sendReply(conn, code)
		return
	}

	switch cmd {
	case Connect:
		s.handleConnect(conn, target)
	case UDPAssociate:
		s.handleAssociate(conn)
	default:
		log.Debug().Uint8("cmd", cmd).Msg("Unsupported SOCKS command")
		s.sendReply(conn, CommandNotSupported)
	}
}

// readAddress reads DST.ADDR and DST.PORT from the wire according to the
// address type. Returns the target in host:port form and a reply code;
// truncated data yields GeneralFailure, an unknown ATYP yields
// AddressTypeNotSupported.
func (s *Server) readAddress(conn net.Conn, addrType byte) (string, byte) {
	var addrLen int
	switch addrType {
	case IPv4:
		addrLen = 4
	case IPv6:
		addrLen = 16
	case Domain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return "", GeneralFailure
		}
		addrLen = int(l[0])
		raw := make([]byte, 1+addrLen+2)
		raw[0] = l[0]
		if _, err := io.ReadFull(conn, raw[1:]); err != nil {
			return "", GeneralFailure
		}
		addr, _, code := ParseNetworkAddress(Domain, raw)
		return addr, code
	default:
		return "", AddressTypeNotSupported
	}

	raw := make([]byte, addrLen+2)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return "", GeneralFailure
	}
	addr, _, code := ParseNetworkAddress(addrType, raw)
	return addr, code
}

// sendReply writes a SOCKS5 reply with the given code. The bound address
// is always reported as 0.0.0.0:0; clients use the connection itself.
func (s *Server) sendReply(conn net.Conn, code byte) {
	if code != Succeeded {
		log.Debug().Str("reply", ReplyToString[code]).Msg("SOCKS request refused")
	}
	conn.Write([]byte{Version5, code, 0x00, IPv4, 0, 0, 0, 0, 0, 0})
}
