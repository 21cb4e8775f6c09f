package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}

	if cfg.ProxyType != "socks5" {
		t.Errorf("ProxyType = %q, want socks5", cfg.ProxyType)
	}
	if cfg.TCPPort != 4884 {
		t.Errorf("TCPPort = %d, want 4884", cfg.TCPPort)
	}
	if cfg.UDPPort != 0 {
		t.Errorf("UDPPort = %d, want 0 (derive tcp+1)", cfg.UDPPort)
	}
	if cfg.Forwarder.RemotePort != 1194 {
		t.Errorf("Forwarder.RemotePort = %d, want 1194", cfg.Forwarder.RemotePort)
	}
	if cfg.Forwarder.LocalPort != 51821 {
		t.Errorf("Forwarder.LocalPort = %d, want 51821", cfg.Forwarder.LocalPort)
	}
}

func TestLoadFile(t *testing.T) {
	content := `proxy_type: http
tcp_port: 1080
log_level: debug
forwarder:
  remote_host: 10.0.0.2
  remote_port: 1194
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyType != "http" {
		t.Errorf("ProxyType = %q, want http", cfg.ProxyType)
	}
	if cfg.TCPPort != 1080 {
		t.Errorf("TCPPort = %d, want legacy 1080", cfg.TCPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Forwarder.RemoteHost != "10.0.0.2" {
		t.Errorf("Forwarder.RemoteHost = %q, want 10.0.0.2", cfg.Forwarder.RemoteHost)
	}
	// Absent fields keep their defaults.
	if cfg.Forwarder.LocalPort != 51821 {
		t.Errorf("Forwarder.LocalPort = %d, want default 51821", cfg.Forwarder.LocalPort)
	}
}

func TestValidateRepairsAndRejects(t *testing.T) {
	cfg := &Config{ProxyType: "socks5", TCPPort: -5, LogLevel: "loud"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.TCPPort != 4884 {
		t.Errorf("TCPPort = %d, want repaired 4884", cfg.TCPPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want repaired info", cfg.LogLevel)
	}

	bad := &Config{ProxyType: "ftp"}
	if err := bad.Validate(); err == nil {
		t.Error("Validate accepted proxy_type ftp")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
