package shapeshift

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
	"github.com/opd-ai/veil/psf"
)

// defaultProtocol is used when a strategy has no current protocol yet (an
// empty Sequence/Pool/TimeProfiles window), matching the original
// implementation's StrategyType::default() fallback.
const defaultProtocol = "https"

// Stats reports the controller's rotation history and cumulative traffic
// counters, mirroring original_source/src/shapeshift.rs's ProtocolStats.
type Stats struct {
	CurrentProtocol    string
	TotalSwitches      uint64
	BytesTransferred   uint64
	PacketsTransferred uint64
	Uptime             time.Duration
	LastSwitch         time.Time
}

// Controller owns the single mutable shape-rotation cell the design calls
// for: one sync.RWMutex-guarded struct, reads dominating over the rare
// write a rotation performs, exactly as transport.NoiseTransport guards its
// session/key maps with per-field RWMutexes.
type Controller struct {
	mu        sync.RWMutex
	library   *psf.Library
	strategy  Strategy
	stats     Stats
	startTime time.Time
}

// NewController builds the strategy named by cfg.Strategy and validates its
// initial protocol against library. library may be nil to skip validation
// (useful when no PSF library has been loaded yet).
func NewController(cfg config.ShapeShiftConfig, library *psf.Library) (*Controller, error) {
	strategy, err := buildStrategy(cfg)
	if err != nil {
		return nil, err
	}

	current, ok := strategy.CurrentProtocol()
	if !ok {
		current = defaultProtocol
	}
	if library != nil && library.Get(current) == nil {
		return nil, fmt.Errorf("%w: %s", verrors.ErrProtocolNotFound, current)
	}

	return &Controller{
		library:   library,
		strategy:  strategy,
		stats:     Stats{CurrentProtocol: current},
		startTime: time.Now(),
	}, nil
}

func buildStrategy(cfg config.ShapeShiftConfig) (Strategy, error) {
	switch strings.ToLower(cfg.Strategy) {
	case "", "fixed":
		protocol := cfg.FixedProtocol
		if protocol == "" {
			protocol = defaultProtocol
		}
		return &FixedStrategy{Protocol: protocol}, nil
	case "time", "time-based":
		return &TimeBasedStrategy{Interval: cfg.Interval, Sequence: cfg.Sequence}, nil
	case "traffic", "traffic-based":
		return &TrafficBasedStrategy{
			BytesThreshold:  cfg.BytesThreshold,
			PacketThreshold: cfg.PacketThreshold,
			Pool:            cfg.Pool,
		}, nil
	case "adaptive":
		return &AdaptiveStrategy{
			SwitchThreshold: cfg.SwitchThreshold,
			SafeProtocols:   cfg.SafeProtocols,
			NormalProtocols: cfg.NormalProtocols,
		}, nil
	case "environment":
		return &EnvironmentStrategy{TimeProfiles: cfg.TimeProfiles}, nil
	default:
		return nil, fmt.Errorf("%w: shapeshift strategy %q", verrors.ErrConfigInvalid, cfg.Strategy)
	}
}

// Current returns the active protocol id.
func (c *Controller) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.CurrentProtocol
}

// SetProtocol manually overrides the active protocol, bypassing the
// strategy. id must exist in the loaded library (when one is set).
func (c *Controller) SetProtocol(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.library != nil && c.library.Get(id) == nil {
		return fmt.Errorf("%w: %s", verrors.ErrProtocolNotFound, id)
	}
	c.applySwitch(id)
	return nil
}

// ShouldRotate reports whether the active strategy's trigger condition
// currently holds.
func (c *Controller) ShouldRotate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy.ShouldRotate(time.Now())
}

// Rotate unconditionally advances the strategy to its next pick. Fixed (and
// any strategy with an empty candidate set) makes this a no-op, so Rotate
// is idempotent under the Fixed strategy exactly as the design requires. An
// invalid target protocol (absent from the library) is a hard error and
// leaves the current protocol in place.
func (c *Controller) Rotate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, ok := c.strategy.NextProtocol(time.Now())
	if !ok {
		return nil
	}
	if c.library != nil && c.library.Get(next) == nil {
		return fmt.Errorf("%w: %s", verrors.ErrProtocolNotFound, next)
	}
	c.applySwitch(next)
	return nil
}

// applySwitch updates the current protocol and rotation bookkeeping. Caller
// must hold c.mu for writing.
func (c *Controller) applySwitch(protocol string) {
	c.stats.CurrentProtocol = protocol
	c.stats.TotalSwitches++
	c.stats.LastSwitch = time.Now()
}

// CheckAndRotate rotates only if ShouldRotate holds, returning whether a
// rotation happened. Per the design's failure semantics, a rotation error
// never terminates the session: the caller should log it and keep the
// previous shape, which is exactly what happens here since Rotate leaves
// the prior protocol untouched on error.
func (c *Controller) CheckAndRotate() (bool, error) {
	if !c.ShouldRotate() {
		return false, nil
	}
	if err := c.Rotate(); err != nil {
		vlog.For("shapeshift", "CheckAndRotate").WithError(err).Warn("shapeshift: rotation failed, retaining current shape")
		return false, err
	}
	return true, nil
}

// RecordTraffic feeds transferred bytes/packets into the cumulative stats
// and, for TrafficBasedStrategy, its rotation counters.
func (c *Controller) RecordTraffic(bytes, packets uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.BytesTransferred += bytes
	c.stats.PacketsTransferred += packets
	c.strategy.RecordTraffic(bytes, packets)
}

// UpdateSuspicion feeds a new suspicion sample into AdaptiveStrategy; a
// no-op for every other strategy.
func (c *Controller) UpdateSuspicion(score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy.UpdateSuspicion(score)
}

// Stats returns a snapshot of the controller's counters, with Uptime
// computed relative to now.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Uptime = time.Since(c.startTime)
	return s
}
