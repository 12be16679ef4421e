// Command veil is a censorship-resistant tunneling proxy: it dresses an
// encrypted, SOCKS5-fronted relay channel as whichever ordinary-looking
// protocol a shapeshift strategy currently picks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/vlog"
	"github.com/opd-ai/veil/psf"
	"github.com/opd-ai/veil/shapeshift"
	"github.com/opd-ai/veil/wrapper"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	verb := os.Args[1]
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	configPath := fs.String("config", "veil.yaml", "path to the YAML configuration file")
	fs.Parse(os.Args[2:])

	switch verb {
	case "client", "server", "relay":
		return runTunnel(verb, *configPath)
	case "status":
		return runStatus(*configPath)
	case "rotate":
		return runRotate(*configPath)
	case "protocols":
		return runProtocols(*configPath)
	default:
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: veil <client|server|relay|status|rotate|protocols> [-config path]")
}

// runTunnel drives the long-running client/server/relay session until an
// interrupt signal requests graceful shutdown.
func runTunnel(verb, configPath string) int {
	log := vlog.For("cmd/veil", "runTunnel")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("veil: load config failed")
		return 1
	}
	if err := vlog.SetLevel(cfg.Logging.Level); err != nil {
		log.WithError(err).Warn("veil: invalid logging.level, keeping default")
	}

	if verb == "relay" {
		cfg.Mode = config.ModeRelay
	}

	library, err := loadShapeLibrary(cfg)
	if err != nil {
		log.WithError(err).Error("veil: load shape library failed")
		return 1
	}
	controller, err := shapeshift.NewController(cfg.ShapeShift, library)
	if err != nil {
		log.WithError(err).Error("veil: build shapeshift controller failed")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	switch cfg.Mode {
	case config.ModeClient:
		err = runClient(ctx, cfg, controller)
	case config.ModeServer, config.ModeRelay:
		err = runServer(ctx, cfg, controller)
	default:
		err = fmt.Errorf("veil: unrecognized mode %q", cfg.Mode)
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("veil: session ended with error")
		return 1
	}
	return 0
}

// runStatus reports the shapeshift controller's rotation stats for a
// freshly constructed, in-process controller, since no IPC channel to a
// separately running veil process exists.
func runStatus(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	library, err := loadShapeLibrary(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	controller, err := shapeshift.NewController(cfg.ShapeShift, library)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	stats := controller.Stats()
	fmt.Printf("current protocol:   %s\n", stats.CurrentProtocol)
	fmt.Printf("total switches:      %d\n", stats.TotalSwitches)
	fmt.Printf("bytes transferred:   %d\n", stats.BytesTransferred)
	fmt.Printf("packets transferred: %d\n", stats.PacketsTransferred)
	fmt.Printf("uptime:              %s\n", stats.Uptime)
	return 0
}

// runRotate forces one protocol rotation and reports the result. Like
// status, it operates on a freshly built controller rather than a running
// process's live one.
func runRotate(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	library, err := loadShapeLibrary(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	controller, err := shapeshift.NewController(cfg.ShapeShift, library)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	before := controller.Current()
	if err := controller.Rotate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("rotated: %s -> %s\n", before, controller.Current())
	return 0
}

// runProtocols lists every embedded shape id, flagging experimental ones.
func runProtocols(configPath string) int {
	shapes, err := wrapper.AvailableShapes()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ids := make([]string, 0, len(shapes))
	for id := range shapes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tag := ""
		if shapes[id] {
			tag = " (experimental)"
		}
		fmt.Printf("%s%s\n", id, tag)
	}
	return 0
}

// loadShapeLibrary loads the operator-supplied PSF shapes in protocol_dir,
// if configured. The library is used only by shapeshift.NewController to
// check that protocol ids exist; wrapper.New always frames with its own
// embedded shapes, so these files do not change the wire format. A nil
// library skips that check.
func loadShapeLibrary(cfg *config.Config) (*psf.Library, error) {
	if cfg.ProtocolDir == "" {
		return nil, nil
	}
	return psf.LoadFS(os.DirFS(cfg.ProtocolDir), ".")
}

// setupSignalHandling cancels ctx on the first interrupt signal, mirroring
// the teacher's testnet harness shutdown path.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("veil: received interrupt, shutting down")
		cancel()
	}()
}
