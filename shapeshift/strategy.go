// Package shapeshift implements the Shape-Shift Controller (C7): the
// component that decides which wire shape is currently active and rotates
// it according to one of five strategies, grounded on
// original_source/src/shapeshift.rs and strategy.rs.
package shapeshift

import (
	"math/rand/v2"
	"time"

	"github.com/opd-ai/veil/internal/config"
)

// Strategy is the rotation policy interface every shapeshift strategy
// implements. ShouldRotate and NextProtocol both take the current time
// explicitly so Controller stays the single place that calls time.Now(),
// keeping the strategies themselves trivially testable.
type Strategy interface {
	ShouldRotate(now time.Time) bool
	NextProtocol(now time.Time) (string, bool)
	CurrentProtocol() (string, bool)
	RecordTraffic(bytes, packets uint64)
	UpdateSuspicion(score float64)
}

// noopStrategy supplies the two hooks most strategies ignore, mirroring the
// default trait methods on the original ShapeShiftStrategy trait.
type noopStrategy struct{}

func (noopStrategy) RecordTraffic(bytes, packets uint64) {}
func (noopStrategy) UpdateSuspicion(score float64)       {}

// FixedStrategy never rotates.
type FixedStrategy struct {
	noopStrategy
	Protocol string
}

func (s *FixedStrategy) ShouldRotate(time.Time) bool { return false }

func (s *FixedStrategy) NextProtocol(time.Time) (string, bool) { return "", false }

func (s *FixedStrategy) CurrentProtocol() (string, bool) { return s.Protocol, true }

// TimeBasedStrategy rotates cyclically through Sequence every Interval.
type TimeBasedStrategy struct {
	noopStrategy
	Interval time.Duration
	Sequence []string

	currentIndex int
	lastSwitch   time.Time
	switched     bool
}

func (s *TimeBasedStrategy) ShouldRotate(now time.Time) bool {
	if !s.switched {
		return true
	}
	return now.Sub(s.lastSwitch) >= s.Interval
}

func (s *TimeBasedStrategy) NextProtocol(now time.Time) (string, bool) {
	if len(s.Sequence) == 0 {
		return "", false
	}
	s.currentIndex = (s.currentIndex + 1) % len(s.Sequence)
	s.lastSwitch = now
	s.switched = true
	return s.Sequence[s.currentIndex], true
}

func (s *TimeBasedStrategy) CurrentProtocol() (string, bool) {
	if len(s.Sequence) == 0 {
		return "", false
	}
	return s.Sequence[s.currentIndex], true
}

// TrafficBasedStrategy rotates cyclically through Pool once the configured
// byte or packet threshold since the last switch is reached.
type TrafficBasedStrategy struct {
	noopStrategy
	BytesThreshold  uint64
	PacketThreshold uint64
	Pool            []string

	currentIndex int
	bytesSince   uint64
	packetsSince uint64
}

func (s *TrafficBasedStrategy) RecordTraffic(bytes, packets uint64) {
	s.bytesSince += bytes
	s.packetsSince += packets
}

func (s *TrafficBasedStrategy) UpdateSuspicion(float64) {}

func (s *TrafficBasedStrategy) ShouldRotate(time.Time) bool {
	return s.bytesSince >= s.BytesThreshold || s.packetsSince >= s.PacketThreshold
}

func (s *TrafficBasedStrategy) NextProtocol(time.Time) (string, bool) {
	if len(s.Pool) == 0 {
		return "", false
	}
	s.currentIndex = (s.currentIndex + 1) % len(s.Pool)
	s.bytesSince = 0
	s.packetsSince = 0
	return s.Pool[s.currentIndex], true
}

func (s *TrafficBasedStrategy) CurrentProtocol() (string, bool) {
	if len(s.Pool) == 0 {
		return "", false
	}
	return s.Pool[s.currentIndex], true
}

// AdaptiveStrategy rotates to a random pick from SafeProtocols once the
// suspicion score reaches SwitchThreshold, otherwise from NormalProtocols.
// The score is the most recent UpdateSuspicion value clamped to [0, 1];
// earlier samples are not averaged in.
type AdaptiveStrategy struct {
	SafeProtocols   []string
	NormalProtocols []string
	SwitchThreshold float64

	suspicion float64
	current   string
}

func (s *AdaptiveStrategy) RecordTraffic(uint64, uint64) {}

func (s *AdaptiveStrategy) UpdateSuspicion(score float64) {
	s.suspicion = clamp(score, 0, 1)
}

func (s *AdaptiveStrategy) ShouldRotate(time.Time) bool {
	return s.suspicion >= s.SwitchThreshold
}

func (s *AdaptiveStrategy) NextProtocol(time.Time) (string, bool) {
	pool := s.NormalProtocols
	if s.suspicion >= s.SwitchThreshold {
		pool = s.SafeProtocols
	}
	if len(pool) == 0 {
		return "", false
	}
	s.current = pool[rand.IntN(len(pool))]
	return s.current, true
}

func (s *AdaptiveStrategy) CurrentProtocol() (string, bool) {
	if s.current == "" {
		return "", false
	}
	return s.current, true
}

// EnvironmentStrategy picks a random protocol from the TimeProfiles window
// matching the current hour of day, rotating whenever the active protocol
// falls outside that window's list.
type EnvironmentStrategy struct {
	TimeProfiles []config.TimeProfile

	current string
}

func (s *EnvironmentStrategy) RecordTraffic(uint64, uint64) {}
func (s *EnvironmentStrategy) UpdateSuspicion(float64)      {}

func (s *EnvironmentStrategy) ShouldRotate(now time.Time) bool {
	hour := now.Hour()
	if s.current == "" {
		return true
	}
	for _, profile := range s.TimeProfiles {
		if hourInWindow(hour, profile) {
			return !containsString(profile.Protocols, s.current)
		}
	}
	return true
}

func (s *EnvironmentStrategy) NextProtocol(now time.Time) (string, bool) {
	hour := now.Hour()
	for _, profile := range s.TimeProfiles {
		if !hourInWindow(hour, profile) || len(profile.Protocols) == 0 {
			continue
		}
		s.current = profile.Protocols[rand.IntN(len(profile.Protocols))]
		return s.current, true
	}
	return "", false
}

func (s *EnvironmentStrategy) CurrentProtocol() (string, bool) {
	if s.current == "" {
		return "", false
	}
	return s.current, true
}

func hourInWindow(hour int, profile config.TimeProfile) bool {
	return hour >= profile.HourStart && hour < profile.HourEnd
}

func containsString(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
