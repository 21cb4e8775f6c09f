// Package httpproxy implements the HTTP proxy core. It supports the
// CONNECT tunneling method and plain forwarding of absolute-path or
// Host-header requests. The proxy has single-request scope: it parses
// only the first request head, then splices bytes opaquely.
package httpproxy

import (
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"tetherlink/pkg/relay"
	"tetherlink/pkg/traffic"
)

// MaxRequestHead caps the initial request read. Heads longer than this
// are not reassembled; the remainder rides the relay once spliced.
const MaxRequestHead = 8192

// DialTimeout bounds outbound connection establishment.
const DialTimeout = 10 * time.Second

// Literal replies emitted before splicing or closing.
const (
	replyEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	replyBadRequest  = "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"
	replyBadGateway  = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"
)

// Server is the HTTP proxy. Safe for concurrent use; each accepted
// connection is served independently.
type Server struct {
	registry *relay.Registry
	counter  *traffic.Counter
}

// NewServer creates an HTTP proxy backed by the shared registry and
// traffic counter.
func NewServer(registry *relay.Registry, counter *traffic.Counter) *Server {
	return &Server{registry: registry, counter: counter}
}

// ServeConn parses the first request on an accepted client connection
// and either tunnels (CONNECT) or forwards (plain request). Blocks until
// the session terminates. The caller retains ownership of conn.
func (s *Server) ServeConn(conn net.Conn) {
	buf := make([]byte, MaxRequestHead)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	head := buf[:n]

	if !utf8.Valid(head) {
		return
	}

	lines := strings.Split(string(head), "\r\n")
	method, target, ok := parseRequestLine(lines[0])
	if !ok {
		conn.Write([]byte(replyBadRequest))
		return
	}

	if method == "CONNECT" {
		s.handleTunnel(conn, target)
		return
	}
	s.handleForward(conn, head, lines[1:])
}

// handleTunnel processes the CONNECT method: dial the target, confirm
// with 200, then splice opaquely.
func (s *Server) handleTunnel(conn net.Conn, target string) {
	host, port, ok := splitTarget(target)
	if !ok {
		conn.Write([]byte(replyBadRequest))
		return
	}

	out, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), DialTimeout)
	if err != nil {
		log.Debug().Err(err).Str("target", target).Msg("HTTP CONNECT dial failed")
		conn.Write([]byte(replyBadGateway))
		return
	}

	tracked := s.registry.Add(out, false)
	defer s.registry.Remove(tracked.ID)

	if _, err := conn.Write([]byte(replyEstablished)); err != nil {
		out.Close()
		return
	}
	log.Debug().Str("target", target).Msg("HTTP CONNECT established")

	relay.Splice(conn, out, relay.Upload, relay.Download, s.counter)
}

// handleForward processes a plain HTTP request: dial the host named by
// the Host header, replay the original request bytes unchanged, then
// splice full duplex. Subsequent requests on the same connection are not
// parsed or rewritten.
func (s *Server) handleForward(conn net.Conn, head []byte, headerLines []string) {
	hostValue := findHost(headerLines)
	if hostValue == "" {
		conn.Write([]byte(replyBadRequest))
		return
	}

	host, port, ok := splitHostDefault(hostValue, 80)
	if !ok {
		conn.Write([]byte(replyBadRequest))
		return
	}

	out, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), DialTimeout)
	if err != nil {
		log.Debug().Err(err).Str("host", hostValue).Msg("HTTP forward dial failed")
		conn.Write([]byte(replyBadGateway))
		return
	}

	tracked := s.registry.Add(out, false)
	defer s.registry.Remove(tracked.ID)

	if _, err := out.Write(head); err != nil {
		out.Close()
		return
	}
	if s.counter != nil {
		s.counter.RecordUp(len(head))
	}
	log.Debug().Str("host", hostValue).Msg("HTTP forward established")

	relay.Splice(conn, out, relay.Upload, relay.Download, s.counter)
}

// parseRequestLine tokenizes "METHOD SP TARGET SP VERSION".
func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Split(line, " ")
	if len(parts) < 3 {
		return "", "", false
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// findHost scans header lines for a case-insensitive Host header and
// returns its trimmed value, or "".
func findHost(lines []string) string {
	for _, line := range lines {
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Host") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// splitTarget parses the CONNECT target "host:port". Both fields are
// required and the port must be in [1, 65535].
func splitTarget(target string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

// splitHostDefault parses "host[:port]" with a default port.
func splitHostDefault(value string, defaultPort int) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		// No port present; the whole value is the host.
		if value == "" {
			return "", 0, false
		}
		return value, defaultPort, true
	}
	if host == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}
