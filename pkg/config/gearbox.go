package config

import (
	"time"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/gearbox"
	"mh400e-gearbox/pkg/shaft"
)

// Input signal names in default bit order.
var InputSignals = []string{
	"input_stage_left", "input_stage_right", "input_stage_center", "input_stage_left_center",
	"midrange_left", "midrange_right", "midrange_center", "midrange_left_center",
	"backgear_left", "backgear_right", "backgear_center", "backgear_left_center",
	"spindle_stopped", "estop",
}

// Output signal names in default bit order.
var OutputSignals = []string{
	"input_stage_motor", "midrange_motor", "backgear_motor",
	"reverse", "slow", "twitch_cw", "twitch_ccw",
	"start_shift", "stop_spindle", "spindle_at_speed", "estop",
}

// DefaultSignals assigns consecutive bits to names.
func DefaultSignals(names []string) SignalMap {
	m := make(SignalMap, len(names))
	for i, name := range names {
		m[name] = Signal{Bit: i}
	}
	return m
}

// BridgeConfig is the [iobridge] section.
type BridgeConfig struct {
	Device      string // serial device or unix:/path
	Baud        int
	ReadTimeout time.Duration
	Inputs      SignalMap
	Outputs     SignalMap
}

// GearboxConfig is the parsed daemon configuration.
type GearboxConfig struct {
	Path string

	TickPeriod time.Duration
	Gearbox    gearbox.Config
	Bridge     BridgeConfig

	APIAddress      string
	MetricsAddress  string
	MetricsUser     string
	MetricsPassword string
	JournalPath     string

	// JournalRetention drops older journal entries at startup; zero keeps all.
	JournalRetention time.Duration

	WatchdogTimeout time.Duration
}

// DefaultGearboxConfig returns the configuration used when a section or
// option is absent.
func DefaultGearboxConfig() *GearboxConfig {
	return &GearboxConfig{
		TickPeriod: time.Millisecond,
		Gearbox:    gearbox.DefaultConfig(),
		Bridge: BridgeConfig{
			Baud:        115200,
			ReadTimeout: 50 * time.Millisecond,
			Inputs:      DefaultSignals(InputSignals),
			Outputs:     DefaultSignals(OutputSignals),
		},
		APIAddress:      "127.0.0.1:7125",
		WatchdogTimeout: time.Second,
	}
}

// ParseGearboxConfig loads and validates the daemon configuration.
func ParseGearboxConfig(path string) (*GearboxConfig, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	gc, err := fromConfig(c)
	if err != nil {
		if he, ok := err.(*gberrors.HostError); ok {
			return nil, gberrors.WithConfigPath(he, path)
		}
		return nil, err
	}
	gc.Path = path
	return gc, nil
}

// GearboxConfigFromString parses configuration text.
func GearboxConfigFromString(data string) (*GearboxConfig, error) {
	c, err := LoadString(data)
	if err != nil {
		return nil, err
	}
	return fromConfig(c)
}

func fromConfig(c *Config) (*GearboxConfig, error) {
	gc := DefaultGearboxConfig()
	if err := gc.readGearbox(c.GetSectionOptional("gearbox")); err != nil {
		return nil, err
	}
	if err := gc.readBridge(c.GetSectionOptional("iobridge")); err != nil {
		return nil, err
	}

	var err error
	api := c.GetSectionOptional("api")
	if gc.APIAddress, err = api.Get("address", gc.APIAddress); err != nil {
		return nil, err
	}
	metrics := c.GetSectionOptional("metrics")
	if gc.MetricsAddress, err = metrics.Get("address", ""); err != nil {
		return nil, err
	}
	if gc.MetricsUser, err = metrics.Get("username", ""); err != nil {
		return nil, err
	}
	if gc.MetricsPassword, err = metrics.Get("password", ""); err != nil {
		return nil, err
	}
	journal := c.GetSectionOptional("journal")
	if gc.JournalPath, err = journal.Get("path", ""); err != nil {
		return nil, err
	}
	if gc.JournalRetention, err = journal.GetDuration("retention", 0); err != nil {
		return nil, err
	}
	if gc.WatchdogTimeout, err = c.GetSectionOptional("safety").GetDuration("watchdog_timeout", gc.WatchdogTimeout); err != nil {
		return nil, err
	}
	if gc.WatchdogTimeout <= gc.TickPeriod {
		return nil, gberrors.ConfigValidationError("safety", "watchdog_timeout", "must exceed tick_period")
	}

	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return gc, nil
}

func (gc *GearboxConfig) readGearbox(sec *Section) error {
	g := &gc.Gearbox
	durations := []struct {
		option string
		dst    *time.Duration
	}{
		{"tick_period", &gc.TickPeriod},
		{"twitch_on", &g.TwitchOn},
		{"twitch_off", &g.TwitchOff},
		{"shift_settle", &g.ShiftSettle},
		{"stage_poll", &g.TwitchPoll},
		{"shaft_poll", &g.Shaft.Poll},
		{"reverse_interval", &g.Shaft.ReverseInterval},
		{"pin_interval", &g.Shaft.PinInterval},
		{"spindle_at_speed", &g.SpindleAtSpeed},
	}
	for _, d := range durations {
		v, err := sec.GetDuration(d.option, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if gc.TickPeriod <= 0 {
		return gberrors.ConfigValidationError(sec.GetName(), "tick_period", "must be positive")
	}
	if g.TwitchOn <= 0 || g.TwitchOff <= 0 {
		return gberrors.ConfigValidationError(sec.GetName(), "twitch_on", "twitch pulses must be positive")
	}

	rule, err := sec.GetChoice("center_approach", []string{"table", "left_center_reverse"}, "table")
	if err != nil {
		return err
	}
	if g.CenterRule, err = shaft.ParseCenterRule(rule); err != nil {
		return gberrors.ConfigValidationError(sec.GetName(), "center_approach", err.Error())
	}

	zero := 0
	g.MaxOvershootRetries, err = sec.GetIntWithBounds("max_overshoot_retries", &zero, nil, g.MaxOvershootRetries)
	return err
}

func (gc *GearboxConfig) readBridge(sec *Section) error {
	b := &gc.Bridge
	var err error
	if b.Device, err = sec.Get("device", ""); err != nil {
		return err
	}
	one := 1
	if b.Baud, err = sec.GetIntWithBounds("baud", &one, nil, b.Baud); err != nil {
		return err
	}
	if b.ReadTimeout, err = sec.GetDuration("read_timeout", b.ReadTimeout); err != nil {
		return err
	}

	read := func(names []string, m SignalMap) error {
		for _, name := range names {
			if !sec.HasOption(name) {
				continue
			}
			sig, err := sec.GetSignal(name)
			if err != nil {
				return err
			}
			m[name] = sig
		}
		return m.checkUnique(sec.GetName())
	}
	// estop appears in both directions; the input side wins the bare name.
	if err := read(InputSignals, b.Inputs); err != nil {
		return err
	}
	outputs := OutputSignals[:len(OutputSignals)-1]
	if err := read(outputs, b.Outputs); err != nil {
		return err
	}
	if sec.HasOption("estop_out") {
		sig, err := sec.GetSignal("estop_out")
		if err != nil {
			return err
		}
		b.Outputs["estop"] = sig
	}
	return b.Outputs.checkUnique(sec.GetName())
}
