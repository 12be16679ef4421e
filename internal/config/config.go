// Package config loads and validates veil's YAML configuration, following
// the load-then-validate pattern used by the tunnel configuration loader
// this module is modeled on: read the file, unmarshal into a typed struct,
// accumulate every validation failure and return them joined as one error.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/veil/internal/verrors"
)

// Mode selects veil's operating role.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
	ModeRelay  Mode = "relay"
)

// EncryptionConfig parameterizes the AEAD cipher and the password-based key
// derivation used to turn a passphrase into Noise static keys when no raw
// key material is supplied directly.
type EncryptionConfig struct {
	Cipher        string `yaml:"cipher"`         // "chacha20-poly1305" or "aes-256-gcm"
	KeyDerivation string `yaml:"key_derivation"` // "argon2" or "pbkdf2"
	Password      string `yaml:"password"`
	Salt          string `yaml:"salt"`
}

// SocksConfig parameterizes the SOCKS5/HTTP CONNECT ingress.
type SocksConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// HTTPConnectListenAddr, if set, additionally binds an HTTP CONNECT
	// ingress alongside the SOCKS5 one. Empty disables it.
	HTTPConnectListenAddr string `yaml:"http_connect_listen_addr"`
}

// TimeProfile is one hour-of-day window for the Environment strategy.
type TimeProfile struct {
	HourStart int      `yaml:"hour_start"`
	HourEnd   int      `yaml:"hour_end"`
	Protocols []string `yaml:"protocols"`
}

// ShapeShiftConfig parameterizes C7. Only the fields relevant to the
// selected Strategy are consulted; others are ignored.
type ShapeShiftConfig struct {
	Strategy         string        `yaml:"strategy"` // fixed|time|traffic|adaptive|environment
	FixedProtocol    string        `yaml:"fixed_protocol"`
	Interval         time.Duration `yaml:"interval"`
	Sequence         []string      `yaml:"sequence"`
	BytesThreshold   uint64        `yaml:"bytes_threshold"`
	PacketThreshold  uint64        `yaml:"packet_threshold"`
	Pool             []string      `yaml:"pool"`
	SuspicionAlpha   float64       `yaml:"suspicion_alpha"`
	SwitchThreshold  float64       `yaml:"switch_threshold"`
	SafeProtocols    []string      `yaml:"safe_protocols"`
	NormalProtocols  []string      `yaml:"normal_protocols"`
	TimeProfiles     []TimeProfile `yaml:"time_profiles"`
}

// TrafficShapingConfig parameterizes padding and inter-send pacing.
// Profile, when set, names a built-in application traffic fingerprint
// (e.g. "netflix", "zoom") resolved via shapeshift.GetProfile and takes
// precedence over the raw mean/stddev/delay fields below.
type TrafficShapingConfig struct {
	Profile          string        `yaml:"profile"`
	MeanPacketSize   float64       `yaml:"mean_packet_size"`
	StddevPacketSize float64       `yaml:"stddev_packet_size"`
	Delay            time.Duration `yaml:"delay"`
}

// RateLimitConfig bounds per-direction relay throughput, surfacing
// relay.RateLimiter's token bucket as an operator-tunable knob. Zero
// disables limiting for that direction.
type RateLimitConfig struct {
	UpBytesPerSecond   float64 `yaml:"up_bytes_per_second"`
	DownBytesPerSecond float64 `yaml:"down_bytes_per_second"`
	BurstBytes         int     `yaml:"burst_bytes"`
}

// ServerConfig parameterizes server-side target forwarding.
type ServerConfig struct {
	ListenAddr      string     `yaml:"listen_addr"`
	ForwardAddr     string     `yaml:"forward_addr"`
	ForwardProto    string     `yaml:"forward_proto"` // "" or "direct", or "socks5"
	AdditionalBinds []BindSpec `yaml:"additional_binds"`
}

// BindSpec names one extra address the server listens on alongside
// listen_addr, optionally pinning the shape served there (e.g. 443 for
// https, 53 for dns, 22 for ssh), per the multi-port server supplement.
type BindSpec struct {
	Addr  string `yaml:"addr"`
	Shape string `yaml:"shape"`
}

// TransportConfig parameterizes the Noise handshake pattern and keys.
type TransportConfig struct {
	Pattern         string `yaml:"pattern"` // NK|XX|KK
	LocalPrivateKey string `yaml:"local_private_key"`
	RemotePublicKey string `yaml:"remote_public_key"`
}

// DNSTransportConfig parameterizes C6, supplementing spec.md's §6 table
// with the constants original_source/src/dns_tunnel.rs hard-codes so they
// become operator-tunable instead of baked in.
type DNSTransportConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"`
	CoverDomains []string      `yaml:"cover_domains"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	SweepPeriod  time.Duration `yaml:"sweep_period"`
}

// LoggingConfig is the ambient logging surface every component shares.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level veil configuration document.
type Config struct {
	Mode           Mode                 `yaml:"mode"`
	ProtocolDir    string               `yaml:"protocol_dir"`
	Encryption     EncryptionConfig     `yaml:"encryption"`
	Socks          SocksConfig          `yaml:"socks"`
	ShapeShift     ShapeShiftConfig     `yaml:"shapeshift"`
	TrafficShaping TrafficShapingConfig `yaml:"traffic_shaping"`
	Server         ServerConfig         `yaml:"server"`
	Transport      TransportConfig      `yaml:"transport"`
	DNS            DNSTransportConfig   `yaml:"dns"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// Load reads the YAML file at path, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Encryption.Cipher == "" {
		c.Encryption.Cipher = "chacha20-poly1305"
	}
	if c.Encryption.KeyDerivation == "" {
		c.Encryption.KeyDerivation = "argon2"
	}
	if c.Socks.ListenAddr == "" {
		c.Socks.ListenAddr = "127.0.0.1:1080"
	}
	if c.ShapeShift.Strategy == "" {
		c.ShapeShift.Strategy = "fixed"
	}
	if c.ShapeShift.FixedProtocol == "" {
		c.ShapeShift.FixedProtocol = "https"
	}
	if c.Transport.Pattern == "" {
		c.Transport.Pattern = "NK"
	}
	if c.RateLimit.BurstBytes == 0 {
		c.RateLimit.BurstBytes = 1 << 20 // 1 MiB burst ceiling
	}
	if c.DNS.IdleTimeout == 0 {
		c.DNS.IdleTimeout = 60 * time.Second
	}
	if c.DNS.SweepPeriod == 0 {
		c.DNS.SweepPeriod = 30 * time.Second
	}
	if len(c.DNS.CoverDomains) == 0 {
		c.DNS.CoverDomains = []string{"google.com", "apple.com", "challenges.cloudflare.com"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for internal consistency, accumulating
// every problem found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case ModeClient, ModeServer, ModeRelay:
	default:
		errs = append(errs, fmt.Sprintf("mode: unrecognized value %q", c.Mode))
	}

	switch c.Encryption.Cipher {
	case "chacha20-poly1305", "aes-256-gcm":
	default:
		errs = append(errs, fmt.Sprintf("encryption.cipher: unrecognized value %q", c.Encryption.Cipher))
	}
	switch c.Encryption.KeyDerivation {
	case "argon2", "pbkdf2":
	default:
		errs = append(errs, fmt.Sprintf("encryption.key_derivation: unrecognized value %q", c.Encryption.KeyDerivation))
	}

	switch strings.ToUpper(c.Transport.Pattern) {
	case "NK", "XX", "KK":
	default:
		errs = append(errs, fmt.Sprintf("transport.pattern: unrecognized value %q", c.Transport.Pattern))
	}
	if strings.ToUpper(c.Transport.Pattern) == "KK" && c.Transport.RemotePublicKey == "" {
		errs = append(errs, "transport.remote_public_key: required for KK pattern")
	}

	switch strings.ToLower(c.ShapeShift.Strategy) {
	case "fixed", "time", "time-based", "traffic", "traffic-based", "adaptive", "environment":
	default:
		errs = append(errs, fmt.Sprintf("shapeshift.strategy: unrecognized value %q", c.ShapeShift.Strategy))
	}

	if c.Mode == ModeServer || c.Mode == ModeRelay {
		if strings.TrimSpace(c.Server.ListenAddr) == "" {
			errs = append(errs, "server.listen_addr: required in server/relay mode")
		}
		if strings.TrimSpace(c.Server.ForwardAddr) == "" && !c.DNS.Enabled {
			errs = append(errs, "server.forward_addr: required unless dns transport terminates locally")
		}
	}
	if c.Mode == ModeClient {
		if strings.TrimSpace(c.Socks.ListenAddr) == "" {
			errs = append(errs, "socks.listen_addr: required in client mode")
		}
		// server.listen_addr doubles as the remote veil peer address to
		// dial out to in client mode (same field, opposite perspective).
		if strings.TrimSpace(c.Server.ListenAddr) == "" && !c.DNS.Enabled {
			errs = append(errs, "server.listen_addr: required in client mode (remote veil peer address)")
		}
	}

	if c.DNS.Enabled && strings.TrimSpace(c.DNS.ListenAddr) == "" {
		errs = append(errs, "dns.listen_addr: required when dns.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n - %s", verrors.ErrConfigInvalid, strings.Join(errs, "\n - "))
	}
	return nil
}
