package gearbox

import (
	"time"

	"mh400e-gearbox/pkg/shaft"
	"mh400e-gearbox/pkg/twitch"
)

// Config holds the controller timing and policies.
type Config struct {
	Shaft shaft.Timing

	TwitchOn  time.Duration
	TwitchOff time.Duration

	// ShiftSettle separates raising StartShift from moving the first shaft.
	ShiftSettle time.Duration
	// TwitchPoll is the re-check interval while waiting for the twitch to
	// release both signals.
	TwitchPoll time.Duration
	// SpindleAtSpeed is the run-up time granted after releasing the spindle.
	SpindleAtSpeed time.Duration

	CenterRule shaft.CenterRule

	// MaxOvershootRetries bounds the overshoot recoveries of one shaft
	// during one shift. Zero means unlimited.
	MaxOvershootRetries int
}

// DefaultConfig returns the stock MH400E configuration.
func DefaultConfig() Config {
	return Config{
		Shaft:          shaft.DefaultTiming(),
		TwitchOn:       twitch.DefaultOn,
		TwitchOff:      twitch.DefaultOff,
		ShiftSettle:    100 * time.Millisecond,
		TwitchPoll:     200 * time.Millisecond,
		SpindleAtSpeed: 500 * time.Millisecond,
		CenterRule:     shaft.CenterTable,
	}
}
