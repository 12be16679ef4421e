package main

import (
	"context"
	"io"
	"net"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/vlog"
	"github.com/opd-ai/veil/relay"
	"github.com/opd-ai/veil/shapeshift"
	"github.com/opd-ai/veil/wrapper"
)

// runServer accepts incoming veil peer connections (direct TCP, any
// server.additional_binds, and/or the DNS transport) and, for each one,
// builds a server Core that completes the responder side of the handshake
// and forwards plaintext to server.forward_addr. mode ModeRelay behaves
// identically to ModeServer: this process is simply another relay hop in
// the deployment rather than an endpoint terminating real application
// traffic, so it uses the same accept-and-forward path.
func runServer(ctx context.Context, cfg *config.Config, controller *shapeshift.Controller) error {
	log := vlog.For("cmd/veil", "runServer")

	dialer, err := relay.NewDialer(cfg.Server, dialTimeout)
	if err != nil {
		return err
	}

	if cfg.DNS.Enabled {
		dnsLn, err := relay.ListenDNSWire(cfg.DNS.ListenAddr, dnsTransportConfig(cfg), overlayConfig())
		if err != nil {
			return err
		}
		defer dnsLn.Close()
		log.WithField("addr", cfg.DNS.ListenAddr).Info("veil: dns transport listening")
		go acceptDNSWireLoop(ctx, dnsLn, cfg, controller, dialer)
	}

	if cfg.Server.ListenAddr != "" {
		binds := append([]config.BindSpec{{Addr: cfg.Server.ListenAddr}}, cfg.Server.AdditionalBinds...)
		relayBinds := make([]relay.BindSpec, len(binds))
		for i, b := range binds {
			relayBinds[i] = relay.BindSpec{Addr: b.Addr, Shape: b.Shape}
		}

		ln := relay.NewListener(func(hctx context.Context, conn net.Conn, bind relay.BindSpec) {
			handleServerConn(hctx, conn, cfg, controller, dialer, bind.Shape)
		})
		if err := ln.Start(ctx, relayBinds); err != nil {
			return err
		}
		defer ln.Close()
		log.WithField("binds", len(relayBinds)).Info("veil: direct tcp listening")
	}

	<-ctx.Done()
	return nil
}

func acceptDNSWireLoop(ctx context.Context, ln *relay.DNSWireListener, cfg *config.Config, controller *shapeshift.Controller, dialer relay.Dialer) {
	log := vlog.For("cmd/veil", "acceptDNSWireLoop")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("veil: dns transport accept failed")
			continue
		}
		go handleServerWire(ctx, conn, cfg, controller, dialer, "")
	}
}

// handleServerConn adapts a direct-TCP net.Conn accept into the common
// handleServerWire path; shape, when set by a BindSpec, overrides the
// shapeshift controller's current protocol for connections on that port.
func handleServerConn(ctx context.Context, conn net.Conn, cfg *config.Config, controller *shapeshift.Controller, dialer relay.Dialer, shape string) {
	handleServerWire(ctx, conn, cfg, controller, dialer, shape)
}

func handleServerWire(ctx context.Context, wire io.ReadWriteCloser, cfg *config.Config, controller *shapeshift.Controller, dialer relay.Dialer, shapeOverride string) {
	log := vlog.For("cmd/veil", "handleServerWire")

	shapeID := shapeOverride
	if shapeID == "" {
		shapeID = controller.Current()
	}

	rcfg, err := buildRelayConfig(cfg, shapeID, wrapper.RoleServer, true)
	if err != nil {
		log.WithError(err).Error("veil: build relay config failed")
		wire.Close()
		return
	}
	rcfg.UpLimiter, rcfg.DownLimiter = rateLimiters(cfg)

	core := relay.NewServerCore(rcfg, wire, dialer, cfg.Server.ForwardAddr)
	if err := core.Run(ctx); err != nil {
		log.WithError(err).Debug("veil: server session ended")
	}
}
