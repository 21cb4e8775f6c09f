package socks

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tetherlink/pkg/traffic"
)

// ResponseTimeout reclaims ephemeral target sockets whose response never
// arrives.
const ResponseTimeout = 30 * time.Second

// UDPRelay is the single UDP relay socket of an engine instance. It is
// bound once at engine start and shared by all UDP associations; it is
// not per-session. Each inbound datagram is handled independently and
// may be processed concurrently with others.
type UDPRelay struct {
	counter *traffic.Counter

	conn    *net.UDPConn
	port    int
	closed  atomic.Bool
	wg      sync.WaitGroup
	startMu sync.Mutex
}

// NewUDPRelay creates a relay that accounts traffic with counter.
func NewUDPRelay(counter *traffic.Counter) *UDPRelay {
	return &UDPRelay{counter: counter}
}

// Start binds the relay socket on the given port and begins serving
// datagrams. Returns an error if the bind fails.
func (r *UDPRelay) Start(port int) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.conn != nil {
		return errors.New("udp relay already started")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	r.conn = conn
	r.port = conn.LocalAddr().(*net.UDPAddr).Port
	r.closed.Store(false)

	r.wg.Add(1)
	go r.serve()

	log.Info().Int("port", r.port).Msg("UDP relay listening")
	return nil
}

// Stop closes the relay socket and waits for the serve loop to exit.
// In-flight datagram handlers finish on their own deadlines.
func (r *UDPRelay) Stop() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.conn == nil {
		return
	}
	r.closed.Store(true)
	r.conn.Close()
	r.wg.Wait()
	r.conn = nil
	r.port = 0
}

// Port returns the bound relay port, or 0 before Start.
func (r *UDPRelay) Port() int {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	return r.port
}

// serve reads datagrams from the relay socket and dispatches each to its
// own handler goroutine.
func (r *UDPRelay) serve() {
	defer r.wg.Done()

	conn := r.conn
	buf := make([]byte, MaxUDPPacketSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		// Copy since buf is reused by the next read.
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go r.handleDatagram(conn, pkt, clientAddr)
	}
}

// handleDatagram relays one client datagram: it strips the SOCKS5 UDP
// header, forwards the payload to the target over an ephemeral socket,
// awaits a single response, and returns it to the client wrapped in the
// original header. Malformed, fragmented, or truncated packets are
// silently dropped.
func (r *UDPRelay) handleDatagram(listener *net.UDPConn, pkt []byte, client *net.UDPAddr) {
	if len(pkt) < MinUDPHeaderSize {
		return
	}
	if pkt[2] != 0x00 {
		// Fragmentation is not supported.
		return
	}

	target, headerLen, code := ExtractUDPHeader(pkt)
	if code != Succeeded {
		return
	}

	r.counter.RecordDown(len(pkt))

	out, err := net.Dial("udp", target)
	if err != nil {
		log.Debug().Err(err).Str("target", target).Msg("UDP target dial failed")
		return
	}
	defer out.Close()

	payload := pkt[headerLen:]
	if _, err := out.Write(payload); err != nil {
		return
	}
	r.counter.RecordUp(len(payload))

	out.SetReadDeadline(time.Now().Add(ResponseTimeout))
	resp := make([]byte, MaxUDPPacketSize)
	n, err := out.Read(resp)
	if err != nil {
		// Response lost; the deadline reclaims the socket.
		return
	}
	r.counter.RecordDown(n)

	reply := make([]byte, 0, headerLen+n)
	reply = append(reply, 0x00, 0x00, 0x00)
	reply = append(reply, pkt[3:headerLen]...)
	reply = append(reply, resp[:n]...)

	if _, err := listener.WriteToUDP(reply, client); err != nil {
		log.Debug().Err(err).Msg("UDP reply to client failed")
	}
}

// handleAssociate processes the SOCKS5 UDP ASSOCIATE command. The reply
// carries the LAN IPv4 address and the shared relay port; the TCP control
// connection is then held open for lifecycle signaling, and its closure
// tears down the association.
func (s *Server) handleAssociate(conn net.Conn) {
	if s.relay == nil || s.relay.Port() == 0 {
		s.sendReply(conn, GeneralFailure)
		return
	}

	port := s.relay.Port()

	// Format: |VER|REP|RSV|ATYP|BND.ADDR|BND.PORT|
	reply := []byte{Version5, Succeeded, 0x00, IPv4, 0, 0, 0, 0, 0, 0}
	if ip := net.ParseIP(s.localIP()).To4(); ip != nil {
		copy(reply[4:8], ip)
	}
	binary.BigEndian.PutUint16(reply[8:10], uint16(port))

	if _, err := conn.Write(reply); err != nil {
		return
	}
	log.Debug().Int("port", port).Msg("UDP association established")

	// Read and discard until the client drops the control connection.
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
