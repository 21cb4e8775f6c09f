// Package forward implements the transparent TCP forwarder. It accepts
// inbound TCP connections on a local port and splices each to one
// outbound connection dialed to a fixed remote endpoint, socat-style.
package forward

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tetherlink/pkg/relay"
	"tetherlink/pkg/traffic"
)

// DialTimeout bounds outbound connection establishment.
const DialTimeout = 10 * time.Second

// Errors surfaced to the supervisor.
var (
	ErrNotConfigured  = errors.New("forwarder remote host not configured")
	ErrAlreadyRunning = errors.New("forwarder already running")
)

// Forwarder splices every inbound connection to a fixed (host, port).
// The forwarder has no direction semantics: all relayed bytes are
// accounted as forwarded (upload).
type Forwarder struct {
	// RemoteHost and RemotePort name the fixed upstream endpoint.
	RemoteHost string
	RemotePort int

	// LocalPort is the listen port for inbound connections.
	LocalPort int

	counter  *traffic.Counter
	registry *relay.Registry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a forwarder accounting into counter. Connections are
// tracked in a private registry so Stop can cancel them in bulk.
func New(remoteHost string, remotePort, localPort int, counter *traffic.Counter) *Forwarder {
	return &Forwarder{
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		LocalPort:  localPort,
		counter:    counter,
		registry:   relay.NewRegistry(),
	}
}

// Start binds the local listener and begins accepting. Fails with
// ErrNotConfigured when no remote host is set; the listener is then
// never bound.
func (f *Forwarder) Start() error {
	if f.RemoteHost == "" {
		return ErrNotConfigured
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", f.LocalPort))
	if err != nil {
		return fmt.Errorf("forwarder listen failed: %w", err)
	}
	f.listener = listener

	f.wg.Add(1)
	go f.acceptLoop(listener)

	log.Info().
		Int("local_port", f.LocalPort).
		Str("remote", f.remoteAddr()).
		Msg("TCP forwarder started")
	return nil
}

// Stop closes the listener and cancels every live forwarded connection.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	listener := f.listener
	f.listener = nil
	f.mu.Unlock()

	if listener == nil {
		return
	}
	listener.Close()
	f.registry.CloseAll()
	f.wg.Wait()
	log.Info().Msg("TCP forwarder stopped")
}

// Addr returns the bound listener address, or nil when stopped.
func (f *Forwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// IsRunning reports whether the listener is bound.
func (f *Forwarder) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener != nil
}

// ClientCount returns the number of live inbound connections.
func (f *Forwarder) ClientCount() int {
	return f.registry.ClientCount()
}

func (f *Forwarder) remoteAddr() string {
	return net.JoinHostPort(f.RemoteHost, fmt.Sprintf("%d", f.RemotePort))
}

func (f *Forwarder) acceptLoop(listener net.Listener) {
	defer f.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		f.wg.Add(1)
		go func(inbound net.Conn) {
			defer f.wg.Done()
			f.handle(inbound)
		}(conn)
	}
}

// handle splices one inbound connection to a fresh outbound connection.
// An outbound dial failure cancels the inbound connection.
func (f *Forwarder) handle(inbound net.Conn) {
	tracked := f.registry.Add(inbound, true)
	defer f.registry.Remove(tracked.ID)
	defer inbound.Close()

	outbound, err := net.DialTimeout("tcp", f.remoteAddr(), DialTimeout)
	if err != nil {
		log.Warn().Err(err).Str("remote", f.remoteAddr()).Msg("Forwarder dial failed")
		return
	}

	trackedOut := f.registry.Add(outbound, false)
	defer f.registry.Remove(trackedOut.ID)

	// Both directions count as forwarded bytes.
	relay.Splice(inbound, outbound, relay.Upload, relay.Upload, f.counter)
}
