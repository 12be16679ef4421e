package main

import (
	"github.com/opd-ai/veil/dnstransport"
	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/reliable"
	"github.com/opd-ai/veil/relay"
)

// dnsTransportConfig builds dnstransport.Config from the operator-tunable
// dns.* knobs, falling back to the package defaults for anything the
// config document leaves zero.
func dnsTransportConfig(cfg *config.Config) dnstransport.Config {
	dc := dnstransport.DefaultConfig()
	if len(cfg.DNS.CoverDomains) > 0 {
		dc.CoverDomains = cfg.DNS.CoverDomains
	}
	if cfg.DNS.IdleTimeout > 0 {
		dc.IdleTimeout = cfg.DNS.IdleTimeout
	}
	if cfg.DNS.SweepPeriod > 0 {
		dc.SweepPeriod = cfg.DNS.SweepPeriod
	}
	return dc
}

// overlayConfig returns the reliable overlay defaults tuned for the DNS
// transport's small, frequent fragments; nothing in the external-interface
// table exposes overlay internals as separate knobs.
func overlayConfig() reliable.Config {
	return reliable.DefaultConfig()
}

// rateLimiters builds the relay.Config up/down limiters from rate_limit.*,
// returning nils (no limiting) when a direction's rate is unset.
func rateLimiters(cfg *config.Config) (up, down *relay.RateLimiter) {
	if cfg.RateLimit.UpBytesPerSecond > 0 {
		up = relay.NewRateLimiter(cfg.RateLimit.UpBytesPerSecond, cfg.RateLimit.BurstBytes)
	}
	if cfg.RateLimit.DownBytesPerSecond > 0 {
		down = relay.NewRateLimiter(cfg.RateLimit.DownBytesPerSecond, cfg.RateLimit.BurstBytes)
	}
	return up, down
}
