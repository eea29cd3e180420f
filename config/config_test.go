package config_test

import (
	"testing"
	"time"

	"github.com/vmcluster/migrate/config"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	c, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := &config.Config{
		ListenAddr:               ":8080",
		MigrateURI:               "/migrate",
		NoPausedVBDPollCount:     5,
		NoPausedVBDPollDelay:     5 * time.Second,
		SuspendAckTimeout:        60 * time.Second,
		DefaultHotunplugFraction: 0.8,
	}

	if *c != *want {
		t.Errorf("Parse(nil) = %+v, want %+v", *c, *want)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	c, err := config.Parse([]string{
		"-listen", ":9090",
		"-migrate-uri", "/xapi/migrate",
		"-vbd-gate-polls", "3",
		"-vbd-gate-delay", "1s",
		"-suspend-ack-timeout", "30s",
		"-hotunplug-fraction", "0.5",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if c.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", c.ListenAddr)
	}

	if c.MigrateURI != "/xapi/migrate" {
		t.Errorf("MigrateURI = %q, want /xapi/migrate", c.MigrateURI)
	}

	if c.NoPausedVBDPollCount != 3 {
		t.Errorf("NoPausedVBDPollCount = %d, want 3", c.NoPausedVBDPollCount)
	}

	if c.NoPausedVBDPollDelay != time.Second {
		t.Errorf("NoPausedVBDPollDelay = %v, want 1s", c.NoPausedVBDPollDelay)
	}

	if c.SuspendAckTimeout != 30*time.Second {
		t.Errorf("SuspendAckTimeout = %v, want 30s", c.SuspendAckTimeout)
	}

	if c.DefaultHotunplugFraction != 0.5 {
		t.Errorf("DefaultHotunplugFraction = %v, want 0.5", c.DefaultHotunplugFraction)
	}
}

func TestParseRejectsBadFraction(t *testing.T) { // nolint:paralleltest
	for _, tt := range []struct {
		name string
		frac string
	}{
		{name: "non-numeric", frac: "not-a-number"},
		{name: "too-large", frac: "1.5"},
		{name: "negative", frac: "-0.1"},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := config.Parse([]string{"-hotunplug-fraction", tt.frac}); err == nil {
				t.Errorf("Parse(%q): expected error, got nil", tt.frac)
			}
		})
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	t.Parallel()

	if _, err := config.Parse([]string{"-bogus-flag", "1"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
