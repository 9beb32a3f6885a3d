// Package config loads the focus process's rooted configuration tree.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/ratelimit"
	"github.com/confocus/focus/internal/sourcemap"
)

// Config is the rooted configuration tree read at startup (§6 CLI/env).
type Config struct {
	XMPP        XMPP
	Conference  Conference
	Participant Participant
	Bridge      Bridge
	Admin       Admin
}

// XMPP configures the signaling connection and the rooms the focus joins.
type XMPP struct {
	Domain        string
	ComponentAddr string
	SharedSecret  string
	BridgeMUC     string

	// RecorderMUC, TranscriberMUC, and GatewayMUC are the operator rooms for
	// the other worker kinds §4.8 names; any left empty gets no detector.
	RecorderMUC    string
	TranscriberMUC string
	GatewayMUC     string
}

// Conference configures per-room tunables and timeouts.
type Conference struct {
	PinnedBridgeVersion   string
	SCTPEnabled           bool
	MaxSenders            int
	MuteAudioAtSenders    int
	MuteVideoAtSenders    int
	StartTimeout          time.Duration
	SingleParticipantWait time.Duration
	EmptyTimeout          time.Duration
	SourceLimits          sourcemap.Limits
}

// Participant configures the per-participant session state machine.
type Participant struct {
	IQTimeout      time.Duration
	FlushInterval  time.Duration
	RestartLimiter ratelimit.Config
}

// Bridge configures allocation and selection.
type Bridge struct {
	AllocationTimeout time.Duration
	MeshID            string
}

// Admin configures the admin seam (no HTTP listener is part of this
// process; an embedding binary wires Admin's operations to its own
// transport).
type Admin struct {
	Enabled bool
}

// Default returns the configuration defaults named in §7.6: a 15s IQ
// request timeout, a 15s bridge allocation timeout, a 200ms source-flush
// interval, and the typical 30s/120s/0s conference timeouts.
func Default() Config {
	return Config{
		Conference: Conference{
			MaxSenders:            -1,
			MuteAudioAtSenders:    -1,
			MuteVideoAtSenders:    -1,
			StartTimeout:          30 * time.Second,
			SingleParticipantWait: 120 * time.Second,
			EmptyTimeout:          0,
			SourceLimits:          sourcemap.DefaultLimits,
		},
		Participant: Participant{
			IQTimeout:      15 * time.Second,
			FlushInterval:  200 * time.Millisecond,
			RestartLimiter: ratelimit.DefaultConfig,
		},
		Bridge: Bridge{
			AllocationTimeout: 15 * time.Second,
			MeshID:            "default",
		},
	}
}

// fileConfig mirrors Config's shape for YAML decoding. Durations are read as
// strings and parsed with time.ParseDuration rather than decoded directly,
// since plain numbers in YAML would otherwise be read as nanoseconds.
// Fields left out of the file keep the zero value here and are only applied
// over Default's value when non-zero/non-empty.
type fileConfig struct {
	XMPP        XMPP `yaml:"xmpp"`
	Conference  struct {
		PinnedBridgeVersion   string `yaml:"pinned_bridge_version"`
		SCTPEnabled           bool   `yaml:"sctp_enabled"`
		MaxSenders            *int   `yaml:"max_senders"`
		MuteAudioAtSenders    *int   `yaml:"mute_audio_at_senders"`
		MuteVideoAtSenders    *int   `yaml:"mute_video_at_senders"`
		StartTimeout          string `yaml:"start_timeout"`
		SingleParticipantWait string `yaml:"single_participant_timeout"`
		EmptyTimeout          string `yaml:"empty_timeout"`
		MaxSources            int    `yaml:"max_sources"`
		MaxGroups             int    `yaml:"max_groups"`
	} `yaml:"conference"`
	Participant struct {
		IQTimeout          string `yaml:"iq_timeout"`
		FlushInterval      string `yaml:"flush_interval"`
		RestartMinInterval string `yaml:"restart_min_interval"`
		RestartWindow      string `yaml:"restart_window"`
		RestartMaxBurst    int    `yaml:"restart_max_burst"`
	} `yaml:"participant"`
	Bridge struct {
		AllocationTimeout string `yaml:"allocation_timeout"`
		MeshID            string `yaml:"mesh_id"`
	} `yaml:"bridge"`
	Admin Admin `yaml:"admin"`
}

// Load reads and parses the YAML configuration tree rooted at path, applying
// it over Default so that any field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.XMPP = fc.XMPP
	if cfg.XMPP.Domain == "" {
		return Config{}, fmt.Errorf("config: xmpp.domain is required")
	}

	if fc.Conference.PinnedBridgeVersion != "" {
		cfg.Conference.PinnedBridgeVersion = fc.Conference.PinnedBridgeVersion
	}
	cfg.Conference.SCTPEnabled = fc.Conference.SCTPEnabled
	if fc.Conference.MaxSenders != nil {
		cfg.Conference.MaxSenders = *fc.Conference.MaxSenders
	}
	if fc.Conference.MuteAudioAtSenders != nil {
		cfg.Conference.MuteAudioAtSenders = *fc.Conference.MuteAudioAtSenders
	}
	if fc.Conference.MuteVideoAtSenders != nil {
		cfg.Conference.MuteVideoAtSenders = *fc.Conference.MuteVideoAtSenders
	}
	if fc.Conference.MaxSources != 0 {
		cfg.Conference.SourceLimits.MaxSources = fc.Conference.MaxSources
	}
	if fc.Conference.MaxGroups != 0 {
		cfg.Conference.SourceLimits.MaxGroups = fc.Conference.MaxGroups
	}
	if err := overrideDuration(&cfg.Conference.StartTimeout, fc.Conference.StartTimeout); err != nil {
		return Config{}, fmt.Errorf("config: conference.start_timeout: %w", err)
	}
	if err := overrideDuration(&cfg.Conference.SingleParticipantWait, fc.Conference.SingleParticipantWait); err != nil {
		return Config{}, fmt.Errorf("config: conference.single_participant_timeout: %w", err)
	}
	if err := overrideDuration(&cfg.Conference.EmptyTimeout, fc.Conference.EmptyTimeout); err != nil {
		return Config{}, fmt.Errorf("config: conference.empty_timeout: %w", err)
	}

	if err := overrideDuration(&cfg.Participant.IQTimeout, fc.Participant.IQTimeout); err != nil {
		return Config{}, fmt.Errorf("config: participant.iq_timeout: %w", err)
	}
	if err := overrideDuration(&cfg.Participant.FlushInterval, fc.Participant.FlushInterval); err != nil {
		return Config{}, fmt.Errorf("config: participant.flush_interval: %w", err)
	}
	if err := overrideDuration(&cfg.Participant.RestartLimiter.MinInterval, fc.Participant.RestartMinInterval); err != nil {
		return Config{}, fmt.Errorf("config: participant.restart_min_interval: %w", err)
	}
	if err := overrideDuration(&cfg.Participant.RestartLimiter.Window, fc.Participant.RestartWindow); err != nil {
		return Config{}, fmt.Errorf("config: participant.restart_window: %w", err)
	}
	if fc.Participant.RestartMaxBurst != 0 {
		cfg.Participant.RestartLimiter.MaxBurst = fc.Participant.RestartMaxBurst
	}

	if err := overrideDuration(&cfg.Bridge.AllocationTimeout, fc.Bridge.AllocationTimeout); err != nil {
		return Config{}, fmt.Errorf("config: bridge.allocation_timeout: %w", err)
	}
	if fc.Bridge.MeshID != "" {
		cfg.Bridge.MeshID = fc.Bridge.MeshID
	}

	cfg.Admin = fc.Admin

	return cfg, nil
}

// overrideDuration parses raw, if non-empty, into *dst.
func overrideDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// BridgeConstraintsFor returns the selector constraints implied by cfg for a
// fresh allocation (no bridges excluded or already in use).
func BridgeConstraintsFor(cfg Config, region string) bridge.Constraints {
	return bridge.Constraints{
		VersionPin: cfg.Conference.PinnedBridgeVersion,
		Region:     region,
	}
}
