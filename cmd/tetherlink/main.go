// Package main implements the tetherlink control CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tetherlink/pkg/config"
	"tetherlink/pkg/engine"
	"tetherlink/pkg/forward"
	"tetherlink/pkg/netinfo"
	"tetherlink/pkg/status"
	"tetherlink/pkg/traffic"
)

// CLI banner with version.
const banner = `
  _       _   _               _ _       _
 | |_ ___| |_| |__   ___ _ __| (_)_ __ | | __
 | __/ _ \ __| '_ \ / _ \ '__| | | '_ \| |/ /
 | ||  __/ |_| | | |  __/ |  | | | | | |   <
  \__\___|\__|_| |_|\___|_|  |_|_|_| |_|_|\_\

   Multi-protocol LAN relay engine (v1.0)
   ---------------------------------------

`

// Global state.
var (
	cfg       *config.Config   // app config
	eng       *engine.Engine   // proxy engine
	fwd       *forward.Forwarder
	statusSrv *status.Server
)

// logObserver forwards engine publications to the log at debug level.
type logObserver struct{}

func (logObserver) OnRunningChanged(running bool) {
	log.Debug().Bool("running", running).Msg("Engine state changed")
}

func (logObserver) OnTraffic(s traffic.Snapshot) {
	log.Debug().
		Float64("up_mbps", s.UploadMbps).
		Float64("down_mbps", s.DownloadMbps).
		Msg("Traffic tick")
}

func (logObserver) OnClientCount(count int) {
	log.Debug().Int("clients", count).Msg("Client count changed")
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to start the proxy engine
	app.AddCommand(&grumble.Command{
		Name:    "start",
		Aliases: []string{"proxy"},
		Help:    "start the proxy engine",
		Flags: func(f *grumble.Flags) {
			f.String("t", "type", "", "proxy protocol: socks5 or http (overrides config)")
			f.Int("p", "port", 0, "TCP listen port (overrides config)")
		},
		Run: func(c *grumble.Context) error {
			if proto := c.Flags.String("type"); proto != "" {
				eng.SetProtocol(engine.Protocol(proto))
			}
			if port := c.Flags.Int("port"); port != 0 {
				eng.SetTCPPort(port)
			}

			if err := eng.Start(); err != nil {
				log.Error().Err(err).Msg("Failed to start proxy engine")
				return nil
			}

			log.Info().
				Str("protocol", string(eng.Protocol())).
				Str("ip", eng.IPAddress()).
				Int("port", eng.TCPPort()).
				Msg("Proxy engine running")
			return nil
		},
	})
	// Command to stop the proxy engine
	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop the proxy engine",
		Run: func(c *grumble.Context) error {
			if !eng.IsRunning() {
				log.Warn().Msg("Proxy engine is not running")
				return nil
			}
			eng.Stop()
			return nil
		},
	})
	// Command to display engine status
	app.AddCommand(&grumble.Command{
		Name:    "status",
		Aliases: []string{"st"},
		Help:    "show engine status and traffic counters",
		Run: func(c *grumble.Context) error {
			c.App.Println(RenderStatusTable())
			return nil
		},
	})
	// Command to show the discovered LAN address
	app.AddCommand(&grumble.Command{
		Name: "ip",
		Help: "show the discovered LAN IPv4 address",
		Run: func(c *grumble.Context) error {
			log.Info().Str("ip", netinfo.LocalIPv4()).Msg("LAN address")
			return nil
		},
	})

	// Forwarder control
	forwardCmd := &grumble.Command{
		Name: "forward",
		Help: "control the transparent TCP forwarder",
	}
	forwardCmd.AddCommand(&grumble.Command{
		Name: "start",
		Help: "start forwarding the local port to the configured remote",
		Flags: func(f *grumble.Flags) {
			f.String("r", "remote", "", "remote host (overrides config)")
		},
		Run: func(c *grumble.Context) error {
			if remote := c.Flags.String("remote"); remote != "" {
				fwd.RemoteHost = remote
			}
			if err := fwd.Start(); err != nil {
				log.Error().Err(err).Msg("Failed to start forwarder")
				return nil
			}
			log.Info().
				Int("local_port", fwd.LocalPort).
				Str("remote_host", fwd.RemoteHost).
				Int("remote_port", fwd.RemotePort).
				Msg("Forwarder running")
			return nil
		},
	})
	forwardCmd.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop the forwarder",
		Run: func(c *grumble.Context) error {
			if !fwd.IsRunning() {
				log.Warn().Msg("Forwarder is not running")
				return nil
			}
			fwd.Stop()
			return nil
		},
	})
	app.AddCommand(forwardCmd)
}

// RenderStatusTable formats the engine state into a human-readable table.
func RenderStatusTable() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	snap := eng.Traffic()
	running := "stopped"
	if eng.IsRunning() {
		running = "running"
	}
	forwarder := "stopped"
	if fwd.IsRunning() {
		forwarder = fmt.Sprintf("running (:%d → %s:%d)", fwd.LocalPort, fwd.RemoteHost, fwd.RemotePort)
	}

	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Engine", running})
	t.AppendRow(table.Row{"Protocol", string(eng.Protocol())})
	t.AppendRow(table.Row{"LAN address", eng.IPAddress()})
	t.AppendRow(table.Row{"TCP port", eng.TCPPort()})
	t.AppendRow(table.Row{"UDP port", eng.UDPPort()})
	t.AppendRow(table.Row{"Clients", eng.ClientCount()})
	t.AppendRow(table.Row{"Uploaded", formatBytes(snap.UploadTotal)})
	t.AppendRow(table.Row{"Downloaded", formatBytes(snap.DownloadTotal)})
	t.AppendRow(table.Row{"Upload rate", fmt.Sprintf("%.2f Mb/s", snap.UploadMbps)})
	t.AppendRow(table.Row{"Download rate", fmt.Sprintf("%.2f Mb/s", snap.DownloadMbps)})
	t.AppendRow(table.Row{"Forwarder", forwarder})

	return t.Render()
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// -----------------------------------------------------------------------------
// Main Application Entry
// -----------------------------------------------------------------------------

func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}

	// Leave nothing listening behind the interactive session.
	if fwd != nil {
		fwd.Stop()
	}
	if eng != nil {
		eng.Stop()
	}
	if statusSrv != nil {
		statusSrv.Stop()
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
// Returns a configured grumble App instance.
func setupCLI() *grumble.App {
	// Determine history file location
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".tetherlink" // current working directory
	} else {
		histFile = filepath.Join(home, ".tetherlink") // home directory
	}

	app := grumble.New(&grumble.Config{
		Name:        "tetherlink",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "", "path to configuration file")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		var err error
		cfg, err = config.Load(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		switch cfg.LogLevel {
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		}

		eng = engine.New(engine.Options{
			Protocol: engine.Protocol(cfg.ProxyType),
			TCPPort:  cfg.TCPPort,
			UDPPort:  cfg.UDPPort,
			Observer: logObserver{},
		})
		fwd = forward.New(
			cfg.Forwarder.RemoteHost,
			cfg.Forwarder.RemotePort,
			cfg.Forwarder.LocalPort,
			eng.Counter(),
		)

		if cfg.StatusListen != "" {
			statusSrv = status.NewServer(eng)
			if err := statusSrv.Start(cfg.StatusListen); err != nil {
				return fmt.Errorf("failed to start status server: %v", err)
			}
		}

		return nil
	})

	return app
}
