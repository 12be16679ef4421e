package shapeshift

import (
	"math/rand"
	"strings"
	"time"
)

// AppCategory classifies a Profile by the kind of application traffic it
// approximates.
type AppCategory string

const (
	CategoryVideoConference AppCategory = "video-conference"
	CategoryVideoStreaming  AppCategory = "video-streaming"
	CategoryWebBrowsing     AppCategory = "web-browsing"
	CategoryMessaging       AppCategory = "messaging"
)

// PacketProfile describes one direction's packet-size and pacing
// characteristics, condensed from original_source/src/app_profiles.rs's
// SizeDistribution/RateDistribution/DelayDistribution trio down to the
// Normal-distribution parameters traffic_shaping.* actually consumes;
// the burst-pattern and per-state rate ramps those sources also model are
// dropped as a deliberate simplification (see DESIGN.md).
type PacketProfile struct {
	SizeMean       float64
	SizeStddev     float64
	PacketRateMean float64 // packets/sec
	DelayMeanMS    uint64
	DelayStddevMS  uint64
}

// Profile is a named application traffic fingerprint: a packaged
// size/pacing distribution pair for each direction, plus a typical session
// duration, grounded on original_source/src/app_profiles.rs's
// ApplicationProfile presets.
type Profile struct {
	Name            string
	Category        AppCategory
	Upstream        PacketProfile
	Downstream      PacketProfile
	SessionDuration time.Duration
}

var builtinProfiles = map[string]Profile{
	"zoom": {
		Name:     "Zoom",
		Category: CategoryVideoConference,
		Upstream: PacketProfile{
			SizeMean: 600, SizeStddev: 400, // bimodal audio/video approximated as one wide mode
			PacketRateMean: 50, DelayMeanMS: 20, DelayStddevMS: 5,
		},
		Downstream: PacketProfile{
			SizeMean: 1350, SizeStddev: 150,
			PacketRateMean: 60, DelayMeanMS: 16, DelayStddevMS: 3,
		},
		SessionDuration: 30 * time.Minute,
	},
	"netflix": {
		Name:     "Netflix",
		Category: CategoryVideoStreaming,
		Upstream: PacketProfile{
			SizeMean: 200, SizeStddev: 50,
			PacketRateMean: 5, DelayMeanMS: 200, DelayStddevMS: 50,
		},
		Downstream: PacketProfile{
			SizeMean: 1450, SizeStddev: 50,
			PacketRateMean: 400, DelayMeanMS: 2, DelayStddevMS: 1,
		},
		SessionDuration: time.Hour,
	},
	"youtube": {
		Name:     "YouTube",
		Category: CategoryVideoStreaming,
		Upstream: PacketProfile{
			SizeMean: 150, SizeStddev: 100,
			PacketRateMean: 10, DelayMeanMS: 100, DelayStddevMS: 30,
		},
		Downstream: PacketProfile{
			SizeMean: 1400, SizeStddev: 100,
			PacketRateMean: 350, DelayMeanMS: 3, DelayStddevMS: 2,
		},
		SessionDuration: 40 * time.Minute,
	},
	"teams": {
		Name:     "Teams",
		Category: CategoryVideoConference,
		Upstream: PacketProfile{
			SizeMean: 800, SizeStddev: 450,
			PacketRateMean: 45, DelayMeanMS: 22, DelayStddevMS: 6,
		},
		Downstream: PacketProfile{
			SizeMean: 1300, SizeStddev: 200,
			PacketRateMean: 55, DelayMeanMS: 18, DelayStddevMS: 4,
		},
		SessionDuration: time.Hour,
	},
	"https": {
		Name:     "HTTPS Browsing",
		Category: CategoryWebBrowsing,
		Upstream: PacketProfile{
			SizeMean: 200, SizeStddev: 250,
			PacketRateMean: 8, DelayMeanMS: 150, DelayStddevMS: 80,
		},
		Downstream: PacketProfile{
			SizeMean: 1400, SizeStddev: 250,
			PacketRateMean: 50, DelayMeanMS: 20, DelayStddevMS: 15,
		},
		SessionDuration: 10 * time.Minute,
	},
	"whatsapp": {
		Name:     "WhatsApp",
		Category: CategoryMessaging,
		Upstream: PacketProfile{
			SizeMean: 400, SizeStddev: 500,
			PacketRateMean: 2, DelayMeanMS: 500, DelayStddevMS: 300,
		},
		Downstream: PacketProfile{
			SizeMean: 450, SizeStddev: 500,
			PacketRateMean: 3, DelayMeanMS: 400, DelayStddevMS: 250,
		},
		SessionDuration: time.Hour,
	},
}

// GetProfile looks up a builtin application profile by name
// (case-insensitive); "browsing" is accepted as an alias for "https".
func GetProfile(name string) (Profile, bool) {
	key := strings.ToLower(name)
	if key == "browsing" {
		key = "https"
	}
	p, ok := builtinProfiles[key]
	return p, ok
}

// AvailableProfiles lists every builtin profile name.
func AvailableProfiles() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	return names
}

// Emulator draws packet sizes and inter-packet delays from a Profile's
// distributions, for traffic-shaping callers that want to pace synthetic
// padding toward a recognizable application's fingerprint rather than a
// flat mean/stddev pair.
type Emulator struct {
	profile Profile
	rng     *rand.Rand
}

// NewEmulator builds an Emulator for profile, seeded from a
// crypto-insensitive source since only traffic-shape realism, not secrecy,
// depends on it.
func NewEmulator(profile Profile, seed int64) *Emulator {
	return &Emulator{profile: profile, rng: rand.New(rand.NewSource(seed))}
}

// GenerateUpstreamSize draws a packet size in bytes from the upstream
// distribution, clamped to a realistic Ethernet-ish range.
func (e *Emulator) GenerateUpstreamSize() int {
	return e.generateSize(e.profile.Upstream)
}

// GenerateDownstreamSize draws a packet size in bytes from the downstream
// distribution.
func (e *Emulator) GenerateDownstreamSize() int {
	return e.generateSize(e.profile.Downstream)
}

func (e *Emulator) generateSize(p PacketProfile) int {
	size := int(e.rng.NormFloat64()*p.SizeStddev + p.SizeMean)
	if size < 64 {
		return 64
	}
	if size > 1500 {
		return 1500
	}
	return size
}

// GenerateDelay draws an inter-packet delay from the upstream or downstream
// delay distribution.
func (e *Emulator) GenerateDelay(upstream bool) time.Duration {
	p := e.profile.Downstream
	if upstream {
		p = e.profile.Upstream
	}
	if p.DelayStddevMS == 0 {
		return time.Duration(p.DelayMeanMS) * time.Millisecond
	}
	ms := e.rng.NormFloat64()*float64(p.DelayStddevMS) + float64(p.DelayMeanMS)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
