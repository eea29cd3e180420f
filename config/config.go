// Package config parses the coordinator daemon's command-line
// configuration with a plain flag.FlagSet. There is no YAML/TOML layer;
// the daemon has few enough knobs that flags cover them.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the coordinator daemon's full set of runtime knobs.
type Config struct {
	// ListenAddr is the address the receiver admission HTTP handler
	// binds to.
	ListenAddr string

	// MigrateURI is the path component of the HTTP CONNECT target the
	// coordinator sends to a destination host.
	MigrateURI string

	// NoPausedVBDPollCount and NoPausedVBDPollDelay parameterise the
	// no-paused-VBDs admission gate.
	NoPausedVBDPollCount int
	NoPausedVBDPollDelay time.Duration

	// SuspendAckTimeout bounds the suspend-ack wait.
	SuspendAckTimeout time.Duration

	// DefaultHotunplugFraction is the progress fraction at which the
	// transmitter fires the one-shot PCI hot-unplug absent a per-VM
	// override.
	DefaultHotunplugFraction float64
}

// defaults returns the stock daemon configuration.
func defaults() *Config {
	return &Config{
		ListenAddr:               ":8080",
		MigrateURI:               "/migrate",
		NoPausedVBDPollCount:     5,
		NoPausedVBDPollDelay:     5 * time.Second,
		SuspendAckTimeout:        60 * time.Second,
		DefaultHotunplugFraction: 0.8,
	}
}

// Parse parses args (excluding the program name) into a Config, starting
// from defaults().
func Parse(args []string) (*Config, error) {
	c := defaults()

	fs := flag.NewFlagSet("migrated", flag.ContinueOnError)

	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "receiver admission HTTP listen address")
	fs.StringVar(&c.MigrateURI, "migrate-uri", c.MigrateURI, "path component of the HTTP CONNECT migration target")
	fs.IntVar(&c.NoPausedVBDPollCount, "vbd-gate-polls", c.NoPausedVBDPollCount, "number of no-paused-VBDs admission polls")
	fs.DurationVar(&c.NoPausedVBDPollDelay, "vbd-gate-delay", c.NoPausedVBDPollDelay, "delay between no-paused-VBDs admission polls")
	fs.DurationVar(&c.SuspendAckTimeout, "suspend-ack-timeout", c.SuspendAckTimeout, "bound on the suspend-ack wait")

	frac := fs.String("hotunplug-fraction", strconv.FormatFloat(c.DefaultHotunplugFraction, 'f', -1, 64),
		"default PCI hot-unplug progress fraction, overridable per-VM via other_config")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f, err := parseFraction(*frac)
	if err != nil {
		return nil, err
	}

	c.DefaultHotunplugFraction = f

	return c, nil
}

// parseFraction parses a float and rejects anything outside [0,1].
func parseFraction(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%q: not a valid fraction: %w", s, err)
	}

	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%q: fraction must be in [0,1]", s)
	}

	return f, nil
}
