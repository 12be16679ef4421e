package main

import (
	"context"
	"time"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/vlog"
	"github.com/opd-ai/veil/relay"
	"github.com/opd-ai/veil/shapeshift"
	"github.com/opd-ai/veil/socks"
	"github.com/opd-ai/veil/wrapper"
)

const dialTimeout = 10 * time.Second

// runClient starts the SOCKS5 (and, if configured, HTTP CONNECT) ingress,
// builds a client Core for every accepted session, and dials out to the
// configured remote peer over the currently active shape.
func runClient(ctx context.Context, cfg *config.Config, controller *shapeshift.Controller) error {
	log := vlog.For("cmd/veil", "runClient")
	wireDial := wireDialerForClient(cfg)

	socksLn, err := socks.ListenSOCKS5(cfg.Socks.ListenAddr)
	if err != nil {
		return err
	}
	defer socksLn.Close()
	log.WithField("addr", socksLn.Addr().String()).Info("veil: socks5 ingress listening")
	go acceptSOCKSLoop(ctx, socksLn, cfg, controller, wireDial)

	if cfg.Socks.HTTPConnectListenAddr != "" {
		httpLn, err := socks.ListenHTTPConnect(cfg.Socks.HTTPConnectListenAddr)
		if err != nil {
			return err
		}
		defer httpLn.Close()
		log.WithField("addr", httpLn.Addr().String()).Info("veil: http connect ingress listening")
		go acceptHTTPConnectLoop(ctx, httpLn, cfg, controller, wireDial)
	}

	<-ctx.Done()
	return nil
}

// wireDialerForClient picks the wire dialer from dns.enabled: DNS
// reuses dns.listen_addr as the remote DNS transport server to dial,
// otherwise server.listen_addr doubles as the remote veil peer address.
func wireDialerForClient(cfg *config.Config) relay.WireDialFunc {
	if cfg.DNS.Enabled {
		return relay.DialDNSWire(cfg.DNS.ListenAddr, dnsTransportConfig(cfg), overlayConfig())
	}
	return relay.DialDirectWire(cfg.Server.ListenAddr, dialTimeout)
}

func acceptSOCKSLoop(ctx context.Context, ln *socks.Listener, cfg *config.Config, controller *shapeshift.Controller, wireDial relay.WireDialFunc) {
	log := vlog.For("cmd/veil", "acceptSOCKSLoop")
	for {
		sess, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("veil: socks5 accept failed")
			continue
		}
		go handleIngress(ctx, relay.SOCKSIngress{Session: sess}, cfg, controller, wireDial)
	}
}

func acceptHTTPConnectLoop(ctx context.Context, ln *socks.HTTPConnectListener, cfg *config.Config, controller *shapeshift.Controller, wireDial relay.WireDialFunc) {
	log := vlog.For("cmd/veil", "acceptHTTPConnectLoop")
	for {
		sess, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("veil: http connect accept failed")
			continue
		}
		go handleIngress(ctx, relay.HTTPConnectIngress{Session: sess}, cfg, controller, wireDial)
	}
}

func handleIngress(ctx context.Context, ingress relay.Ingress, cfg *config.Config, controller *shapeshift.Controller, wireDial relay.WireDialFunc) {
	log := vlog.For("cmd/veil", "handleIngress")

	shapeID := controller.Current()
	rcfg, err := buildRelayConfig(cfg, shapeID, wrapper.RoleClient, false)
	if err != nil {
		log.WithError(err).Error("veil: build relay config failed")
		ingress.Refuse(err)
		return
	}
	rcfg.UpLimiter, rcfg.DownLimiter = rateLimiters(cfg)

	core := relay.NewClientCore(rcfg, ingress, wireDial)
	if err := core.Run(ctx); err != nil {
		log.WithError(err).Debug("veil: client session ended")
	}
	controller.CheckAndRotate()
}
