// Package engine implements the proxy supervisor. It owns the TCP
// listener lifecycle, selects the protocol handler for each accepted
// connection, binds the shared UDP relay in SOCKS5 mode, and aggregates
// the connection registry and traffic accounting for upper layers.
package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"tetherlink/pkg/netinfo"
	"tetherlink/pkg/proxy/httpproxy"
	"tetherlink/pkg/proxy/socks"
	"tetherlink/pkg/relay"
	"tetherlink/pkg/traffic"
)

// Protocol selects the request parser dispatched for accepted
// connections.
type Protocol string

const (
	SOCKS5 Protocol = "socks5"
	HTTP   Protocol = "http"
)

// Default ports. 1080 is accepted as a legacy SOCKS port.
const (
	DefaultTCPPort = 4884
	LegacyTCPPort  = 1080
)

// Observer receives publish-on-change signals for upper layers. The
// engine never blocks on an observer; implementations must return
// promptly.
type Observer interface {
	// OnRunningChanged fires on every Stopped↔Running transition.
	OnRunningChanged(running bool)

	// OnTraffic fires at 1 Hz with the published counters while the
	// engine is foregrounded.
	OnTraffic(snapshot traffic.Snapshot)

	// OnClientCount fires with the number of inbound clients after every
	// tracked connection is added or removed; outbound connections fire
	// it too, with the count unchanged.
	OnClientCount(count int)
}

// Options configures a new engine.
type Options struct {
	// Protocol is the initial protocol selection.
	Protocol Protocol

	// TCPPort is the listener port. Zero selects DefaultTCPPort.
	TCPPort int

	// UDPPort is the UDP relay port for SOCKS5 mode. Zero selects
	// TCPPort + 1.
	UDPPort int

	// Observer receives state publications. May be nil.
	Observer Observer
}

// Engine is the proxy supervisor. Macro-states: Stopped → Running →
// Stopped. Safe for concurrent use.
type Engine struct {
	counter  *traffic.Counter
	registry *relay.Registry
	udpRelay *socks.UDPRelay
	observer Observer

	mu sync.Mutex
	// selection applies on next Start; changing it while running does
	// not restart the engine.
	protocol Protocol
	tcpPort  int
	udpPort  int

	running   bool
	listener  net.Listener
	ipAddress string
	wg        sync.WaitGroup
}

// New creates a stopped engine.
func New(opts Options) *Engine {
	if opts.Protocol == "" {
		opts.Protocol = SOCKS5
	}
	if opts.TCPPort == 0 {
		opts.TCPPort = DefaultTCPPort
	}

	counter := traffic.NewCounter()
	registry := relay.NewRegistry()

	e := &Engine{
		counter:  counter,
		registry: registry,
		udpRelay: socks.NewUDPRelay(counter),
		observer: opts.Observer,
		protocol: opts.Protocol,
		tcpPort:  opts.TCPPort,
		udpPort:  opts.UDPPort,
	}

	if opts.Observer != nil {
		counter.OnPublish(opts.Observer.OnTraffic)
		registry.OnCountChange(opts.Observer.OnClientCount)
	}
	return e
}

// SetProtocol records the protocol selection. The change applies on the
// next Start; a running engine is not restarted.
func (e *Engine) SetProtocol(p Protocol) {
	e.mu.Lock()
	e.protocol = p
	e.mu.Unlock()
}

// Protocol returns the configured protocol selection.
func (e *Engine) Protocol() Protocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocol
}

// SetTCPPort records the listener port for the next Start.
func (e *Engine) SetTCPPort(port int) {
	e.mu.Lock()
	e.tcpPort = port
	e.mu.Unlock()
}

// Start binds the listener and begins accepting. Idempotent: a running
// engine returns nil without effect. On bind failure the engine stays
// Stopped and the error is surfaced.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", e.tcpPort))
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}

	proto := e.protocol
	if proto == SOCKS5 {
		udpPort := e.udpPort
		if udpPort == 0 {
			udpPort = e.tcpPort + 1
		}
		if err := e.udpRelay.Start(udpPort); err != nil {
			listener.Close()
			return fmt.Errorf("udp relay bind failed: %w", err)
		}
	}

	e.listener = listener
	e.ipAddress = netinfo.LocalIPv4()
	e.running = true

	// Counters are exactly zero at the moment the engine reports Running.
	e.counter.Reset()
	e.counter.Start()

	e.wg.Add(1)
	go e.acceptLoop(listener, proto)

	log.Info().
		Str("protocol", string(proto)).
		Int("tcp_port", e.tcpPort).
		Str("ip", e.ipAddress).
		Msg("Proxy engine started")

	e.notifyRunning(true)
	return nil
}

// Stop cancels the listener and every tracked connection, stops the
// 1 Hz ticker, and zeroes the published counters for the next start.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	listener := e.listener
	e.listener = nil
	e.running = false
	e.ipAddress = ""
	e.mu.Unlock()

	listener.Close()
	e.udpRelay.Stop()
	e.registry.CloseAll()
	e.wg.Wait()

	e.counter.Stop()
	e.counter.Reset()

	log.Info().Msg("Proxy engine stopped")
	e.notifyRunning(false)
}

// IsRunning reports the engine macro-state.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IPAddress returns the LAN IPv4 discovered at the last Start, or the
// discovery sentinel when stopped.
func (e *Engine) IPAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ipAddress == "" {
		return netinfo.Sentinel
	}
	return e.ipAddress
}

// TCPPort returns the configured listener port.
func (e *Engine) TCPPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tcpPort
}

// UDPPort returns the bound UDP relay port, or 0 when no relay is bound.
func (e *Engine) UDPPort() int {
	return e.udpRelay.Port()
}

// ClientCount returns the number of live inbound client connections.
func (e *Engine) ClientCount() int {
	return e.registry.ClientCount()
}

// Traffic returns the published totals and rates.
func (e *Engine) Traffic() traffic.Snapshot {
	return e.counter.Snapshot()
}

// Counter exposes the engine's traffic accountant so peer components
// (the TCP forwarder) can account into the same totals.
func (e *Engine) Counter() *traffic.Counter {
	return e.counter
}

// SetForeground gates traffic publication to observers. Counter drains
// continue regardless so no bytes are lost.
func (e *Engine) SetForeground(fg bool) {
	e.counter.SetForeground(fg)
}

// acceptLoop accepts inbound connections and dispatches each to the
// protocol handler selected at Start.
func (e *Engine) acceptLoop(listener net.Listener, proto Protocol) {
	defer e.wg.Done()

	socksSrv := socks.NewServer(e.registry, e.counter, e.udpRelay)
	httpSrv := httpproxy.NewServer(e.registry, e.counter)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		e.wg.Add(1)
		go func(c net.Conn) {
			defer e.wg.Done()
			tracked := e.registry.Add(c, true)
			defer e.registry.Remove(tracked.ID)
			defer c.Close()

			// A connection accepted during shutdown may register after
			// the bulk cancel took its snapshot; drop it here.
			if !e.IsRunning() {
				return
			}

			switch proto {
			case HTTP:
				httpSrv.ServeConn(c)
			default:
				socksSrv.ServeConn(c)
			}
		}(conn)
	}
}

func (e *Engine) notifyRunning(running bool) {
	if e.observer != nil {
		e.observer.OnRunningChanged(running)
	}
}
