package shapeshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProfileKnownNames(t *testing.T) {
	p, ok := GetProfile("zoom")
	require.True(t, ok)
	assert.Equal(t, CategoryVideoConference, p.Category)

	p, ok = GetProfile("Netflix")
	require.True(t, ok)
	assert.Equal(t, CategoryVideoStreaming, p.Category)

	p, ok = GetProfile("browsing")
	require.True(t, ok)
	assert.Equal(t, "HTTPS Browsing", p.Name)
}

func TestGetProfileUnknownName(t *testing.T) {
	_, ok := GetProfile("not-a-real-app")
	assert.False(t, ok)
}

func TestAvailableProfilesIncludesBuiltins(t *testing.T) {
	available := AvailableProfiles()
	assert.Contains(t, available, "zoom")
	assert.Contains(t, available, "netflix")
	assert.Contains(t, available, "whatsapp")
}

func TestEmulatorGeneratesBoundedPacketSizes(t *testing.T) {
	profile, _ := GetProfile("zoom")
	e := NewEmulator(profile, 42)

	for i := 0; i < 200; i++ {
		size := e.GenerateUpstreamSize()
		assert.GreaterOrEqual(t, size, 64)
		assert.LessOrEqual(t, size, 1500)

		size = e.GenerateDownstreamSize()
		assert.GreaterOrEqual(t, size, 64)
		assert.LessOrEqual(t, size, 1500)
	}
}

func TestEmulatorGeneratesNonNegativeDelay(t *testing.T) {
	profile, _ := GetProfile("netflix")
	e := NewEmulator(profile, 7)

	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, e.GenerateDelay(true), time.Duration(0))
		assert.GreaterOrEqual(t, e.GenerateDelay(false), time.Duration(0))
	}
}
