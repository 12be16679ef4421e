package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "veil.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
mode: client
socks:
  listen_addr: "127.0.0.1:1080"
server:
  listen_addr: "example.org:443"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Encryption.Cipher != "chacha20-poly1305" {
		t.Errorf("Encryption.Cipher default = %q", cfg.Encryption.Cipher)
	}
	if cfg.Transport.Pattern != "NK" {
		t.Errorf("Transport.Pattern default = %q", cfg.Transport.Pattern)
	}
	if cfg.RateLimit.BurstBytes != 1<<20 {
		t.Errorf("RateLimit.BurstBytes default = %d, want %d", cfg.RateLimit.BurstBytes, 1<<20)
	}
	if cfg.ShapeShift.FixedProtocol != "https" {
		t.Errorf("ShapeShift.FixedProtocol default = %q", cfg.ShapeShift.FixedProtocol)
	}
}

func TestValidateClientModeRequiresServerListenAddr(t *testing.T) {
	cfg := &Config{
		Mode:       ModeClient,
		Encryption: EncryptionConfig{Cipher: "chacha20-poly1305", KeyDerivation: "argon2"},
		Socks:      SocksConfig{ListenAddr: "127.0.0.1:1080"},
		Transport:  TransportConfig{Pattern: "NK"},
		ShapeShift: ShapeShiftConfig{Strategy: "fixed"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: expected error when server.listen_addr is empty in client mode")
	}
	if !strings.Contains(err.Error(), "server.listen_addr") {
		t.Errorf("Validate error = %v, want mention of server.listen_addr", err)
	}
}

func TestValidateClientModeSkipsServerListenAddrWhenDNSEnabled(t *testing.T) {
	cfg := &Config{
		Mode:       ModeClient,
		Encryption: EncryptionConfig{Cipher: "chacha20-poly1305", KeyDerivation: "argon2"},
		Socks:      SocksConfig{ListenAddr: "127.0.0.1:1080"},
		Transport:  TransportConfig{Pattern: "NK"},
		ShapeShift: ShapeShiftConfig{Strategy: "fixed"},
		DNS:        DNSTransportConfig{Enabled: true, ListenAddr: "203.0.113.1:53"},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: unexpected error with dns.enabled: %v", err)
	}
}

func TestValidateServerModeRequiresForwardAddr(t *testing.T) {
	cfg := &Config{
		Mode:       ModeServer,
		Encryption: EncryptionConfig{Cipher: "chacha20-poly1305", KeyDerivation: "argon2"},
		Transport:  TransportConfig{Pattern: "NK"},
		ShapeShift: ShapeShiftConfig{Strategy: "fixed"},
		Server:     ServerConfig{ListenAddr: "0.0.0.0:443"},
	}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "server.forward_addr") {
		t.Fatalf("Validate: expected forward_addr error, got %v", err)
	}
}

func TestValidateKKPatternRequiresRemotePublicKey(t *testing.T) {
	cfg := &Config{
		Mode:       ModeServer,
		Encryption: EncryptionConfig{Cipher: "chacha20-poly1305", KeyDerivation: "argon2"},
		Transport:  TransportConfig{Pattern: "KK"},
		ShapeShift: ShapeShiftConfig{Strategy: "fixed"},
		Server:     ServerConfig{ListenAddr: "0.0.0.0:443", ForwardAddr: "127.0.0.1:8080"},
	}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "transport.remote_public_key") {
		t.Fatalf("Validate: expected remote_public_key error, got %v", err)
	}
}

func TestAdditionalBindsAndHTTPConnectAddrRoundTripThroughYAML(t *testing.T) {
	path := writeConfigFile(t, `
mode: server
server:
  listen_addr: "0.0.0.0:443"
  forward_addr: "127.0.0.1:8080"
  additional_binds:
    - addr: "0.0.0.0:53"
      shape: "dns"
    - addr: "0.0.0.0:22"
      shape: "ssh"
socks:
  listen_addr: "127.0.0.1:1080"
  http_connect_listen_addr: "127.0.0.1:8118"
rate_limit:
  up_bytes_per_second: 131072
  down_bytes_per_second: 524288
  burst_bytes: 65536
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.AdditionalBinds) != 2 {
		t.Fatalf("AdditionalBinds: got %d entries, want 2", len(cfg.Server.AdditionalBinds))
	}
	if cfg.Server.AdditionalBinds[0].Shape != "dns" || cfg.Server.AdditionalBinds[1].Shape != "ssh" {
		t.Errorf("AdditionalBinds shapes = %+v", cfg.Server.AdditionalBinds)
	}
	if cfg.Socks.HTTPConnectListenAddr != "127.0.0.1:8118" {
		t.Errorf("Socks.HTTPConnectListenAddr = %q", cfg.Socks.HTTPConnectListenAddr)
	}
	if cfg.RateLimit.BurstBytes != 65536 {
		t.Errorf("RateLimit.BurstBytes = %d, want explicit 65536 (not the default)", cfg.RateLimit.BurstBytes)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := writeConfigFile(t, `mode: bogus`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected error for unrecognized mode")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load: expected error for missing file")
	}
}
