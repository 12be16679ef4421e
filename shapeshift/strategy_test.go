package shapeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/veil/internal/config"
)

func TestFixedStrategyNeverRotates(t *testing.T) {
	s := &FixedStrategy{Protocol: "https"}
	assert.False(t, s.ShouldRotate(time.Now()))
	proto, ok := s.CurrentProtocol()
	assert.True(t, ok)
	assert.Equal(t, "https", proto)

	_, ok = s.NextProtocol(time.Now())
	assert.False(t, ok)
}

func TestTimeBasedStrategyRotatesOnInterval(t *testing.T) {
	s := &TimeBasedStrategy{Interval: 60 * time.Second, Sequence: []string{"https", "dns"}}
	now := time.Now()

	assert.True(t, s.ShouldRotate(now))
	proto, ok := s.NextProtocol(now)
	assert.True(t, ok)
	assert.Equal(t, "dns", proto)

	assert.False(t, s.ShouldRotate(now.Add(time.Second)))
	assert.True(t, s.ShouldRotate(now.Add(61*time.Second)))
}

func TestTimeBasedStrategyCyclesSequence(t *testing.T) {
	s := &TimeBasedStrategy{Interval: time.Second, Sequence: []string{"https", "dns"}}
	now := time.Now()

	proto, _ := s.NextProtocol(now)
	assert.Equal(t, "dns", proto)
	proto, _ = s.NextProtocol(now)
	assert.Equal(t, "https", proto)
}

func TestTrafficBasedStrategyRotatesOnThreshold(t *testing.T) {
	s := &TrafficBasedStrategy{
		BytesThreshold:  1000,
		PacketThreshold: 10,
		Pool:            []string{"https", "quic"},
	}

	assert.False(t, s.ShouldRotate(time.Time{}))

	s.RecordTraffic(500, 5)
	assert.False(t, s.ShouldRotate(time.Time{}))

	s.RecordTraffic(600, 5)
	assert.True(t, s.ShouldRotate(time.Time{}))

	proto, ok := s.NextProtocol(time.Time{})
	assert.True(t, ok)
	assert.Equal(t, "quic", proto)
	assert.Zero(t, s.bytesSince)
	assert.Zero(t, s.packetsSince)
}

func TestAdaptiveStrategyRotatesOnSuspicion(t *testing.T) {
	s := &AdaptiveStrategy{
		SwitchThreshold: 0.7,
		SafeProtocols:   []string{"https"},
		NormalProtocols: []string{"quic"},
	}

	assert.False(t, s.ShouldRotate(time.Time{}))

	s.UpdateSuspicion(0.8)
	assert.True(t, s.ShouldRotate(time.Time{}))

	proto, ok := s.NextProtocol(time.Time{})
	assert.True(t, ok)
	assert.Equal(t, "https", proto)
}

func TestAdaptiveStrategyClampsSuspicion(t *testing.T) {
	s := &AdaptiveStrategy{SwitchThreshold: 0.5}
	s.UpdateSuspicion(5.0)
	assert.Equal(t, 1.0, s.suspicion)
	s.UpdateSuspicion(-5.0)
	assert.Equal(t, 0.0, s.suspicion)
}

func TestEnvironmentStrategyPicksWindow(t *testing.T) {
	s := &EnvironmentStrategy{
		TimeProfiles: []config.TimeProfile{
			{HourStart: 0, HourEnd: 24, Protocols: []string{"https"}},
		},
	}
	now := time.Now()

	assert.True(t, s.ShouldRotate(now))
	proto, ok := s.NextProtocol(now)
	assert.True(t, ok)
	assert.Equal(t, "https", proto)
	assert.False(t, s.ShouldRotate(now))
}

func TestEnvironmentStrategyNoWindowMatch(t *testing.T) {
	s := &EnvironmentStrategy{TimeProfiles: nil}
	_, ok := s.NextProtocol(time.Now())
	assert.False(t, ok)
}
