// Package status exposes the engine's observable state over a local
// HTTP listener: a JSON snapshot, Prometheus-format metrics, and a
// websocket stream pushing the 1 Hz snapshot to UI clients. The server
// reads published state only and never blocks the engine.
package status

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tetherlink/pkg/traffic"
)

// Source is the engine-state surface the status server publishes.
type Source interface {
	IsRunning() bool
	IPAddress() string
	TCPPort() int
	UDPPort() int
	ClientCount() int
	Traffic() traffic.Snapshot
}

// Snapshot is the JSON shape served to clients.
type Snapshot struct {
	Running       bool    `json:"running"`
	IPAddress     string  `json:"ip_address"`
	TCPPort       int     `json:"tcp_port"`
	UDPPort       int     `json:"udp_port"`
	Clients       int     `json:"clients"`
	UploadTotal   uint64  `json:"upload_total"`
	DownloadTotal uint64  `json:"download_total"`
	UploadMbps    float64 `json:"upload_mbps"`
	DownloadMbps  float64 `json:"download_mbps"`
}

// Server is the status API listener.
type Server struct {
	source   Source
	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a status server reading from source.
func NewServer(source Source) *Server {
	return &Server{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start binds the status listener on addr and serves in the background.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status listen failed: %w", err)
	}

	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Status server terminated")
		}
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("Status API listening")
	return nil
}

// Stop closes the status listener and its connections.
func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *Server) snapshot() Snapshot {
	t := s.source.Traffic()
	return Snapshot{
		Running:       s.source.IsRunning(),
		IPAddress:     s.source.IPAddress(),
		TCPPort:       s.source.TCPPort(),
		UDPPort:       s.source.UDPPort(),
		Clients:       s.source.ClientCount(),
		UploadTotal:   t.UploadTotal,
		DownloadTotal: t.DownloadTotal,
		UploadMbps:    t.UploadMbps,
		DownloadMbps:  t.DownloadMbps,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	running := 0
	if snap.Running {
		running = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, `# HELP tetherlink_running Whether the proxy engine is running
# TYPE tetherlink_running gauge
tetherlink_running %d

# HELP tetherlink_upload_bytes_total Total bytes uploaded through the proxy
# TYPE tetherlink_upload_bytes_total counter
tetherlink_upload_bytes_total %d

# HELP tetherlink_download_bytes_total Total bytes downloaded through the proxy
# TYPE tetherlink_download_bytes_total counter
tetherlink_download_bytes_total %d

# HELP tetherlink_upload_mbps Last-second upload rate in Mb/s
# TYPE tetherlink_upload_mbps gauge
tetherlink_upload_mbps %g

# HELP tetherlink_download_mbps Last-second download rate in Mb/s
# TYPE tetherlink_download_mbps gauge
tetherlink_download_mbps %g

# HELP tetherlink_clients Current number of inbound clients
# TYPE tetherlink_clients gauge
tetherlink_clients %d
`,
		running,
		snap.UploadTotal,
		snap.DownloadTotal,
		snap.UploadMbps,
		snap.DownloadMbps,
		snap.Clients,
	)
}

// handleWS upgrades the connection and pushes the snapshot at 1 Hz
// until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
	}
}
