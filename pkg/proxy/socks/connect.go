package socks

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"tetherlink/pkg/relay"
)

// DialTimeout bounds outbound connection establishment for CONNECT.
const DialTimeout = 10 * time.Second

// handleConnect processes the SOCKS5 CONNECT command. It establishes a
// TCP connection to the requested target and splices client and target
// with two byte pumps until either direction terminates.
//
// The CONNECT command format is:
//
//	+-----+-----+-----+------+----------+----------+
//	| VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-----+------+----------+----------+
//	|  1  |  1  |  1  |  1   | Variable |    2     |
func (s *Server) handleConnect(conn net.Conn, target string) {
	out, err := net.DialTimeout("tcp", target, DialTimeout)
	if err != nil {
		log.Debug().Err(err).Str("target", target).Msg("CONNECT dial failed")
		s.sendReply(conn, ConnectionRefused)
		return
	}

	tracked := s.registry.Add(out, false)
	defer s.registry.Remove(tracked.ID)

	s.sendReply(conn, Succeeded)
	log.Debug().Str("target", target).Msg("CONNECT established")

	// Bytes client → target count as upload, target → client as download.
	relay.Splice(conn, out, relay.Upload, relay.Download, s.counter)
}
