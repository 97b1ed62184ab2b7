// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/webmessages/pkg/identity"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Listen  string `yaml:"listen"`
	ChatDB  string `yaml:"chat_db"`
	StateDB string `yaml:"state_db"`

	Watcher   WatcherConfig   `yaml:"watcher"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Scheduled ScheduledConfig `yaml:"scheduled"`
	Pinning   PinningConfig   `yaml:"pinning"`
	Relay     RelayConfig     `yaml:"relay"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Client    ClientConfig    `yaml:"client"`

	Contacts []identity.Contact `yaml:"contacts"`

	Logging LoggingConfig `yaml:"logging"`
}

type WatcherConfig struct {
	Interval   time.Duration `yaml:"interval"`
	WatchFiles bool          `yaml:"watch_files"`
	Debounce   time.Duration `yaml:"debounce"`
}

type BridgeConfig struct {
	// CommandPath and ResponsePath default to files in the home directory.
	CommandPath  string `yaml:"command_path"`
	ResponsePath string `yaml:"response_path"`

	// ProcessName is checked with pgrep while a command is in flight.
	ProcessName  string        `yaml:"process_name"`
	PollInterval time.Duration `yaml:"poll_interval"`

	JournalRetention time.Duration `yaml:"journal_retention"`
}

type ScheduledConfig struct {
	CLIPath string `yaml:"cli_path"`
}

type PinningConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	Server    string `yaml:"server"`
	CachePath string `yaml:"cache_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults for zero values and validates the result.
func (c *Config) PostProcess() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:3000"
	}
	if c.StateDB == "" {
		c.StateDB = "webmessages.db"
	}
	if c.Watcher.Interval <= 0 {
		c.Watcher.Interval = 2 * time.Second
	}
	if c.Watcher.Debounce <= 0 {
		c.Watcher.Debounce = 250 * time.Millisecond
	}
	if c.Bridge.PollInterval <= 0 {
		c.Bridge.PollInterval = 100 * time.Millisecond
	}
	if c.Bridge.JournalRetention <= 0 {
		c.Bridge.JournalRetention = 7 * 24 * time.Hour
	}
	if c.Relay.Channel == "" {
		c.Relay.Channel = "webmessages:events"
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit.rps and rate_limit.burst must not be negative")
	} else if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		return errors.New("relay.addr is required when the relay is enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	for i, contact := range c.Contacts {
		if len(contact.Identifiers) == 0 {
			return fmt.Errorf("contacts[%d] (%q) has no identifiers", i, contact.Name)
		}
	}
	return nil
}

// Example returns the parsed embedded example config.
func Example() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config at path, upgrading it against the embedded example
// first so that options added since it was written get their defaults. The
// file itself is only rewritten when save is true. Environment overrides
// are applied last.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "listen")
	helper.Copy(up.Str, "chat_db")
	helper.Copy(up.Str, "state_db")

	helper.Copy(up.Str, "watcher", "interval")
	helper.Copy(up.Bool, "watcher", "watch_files")
	helper.Copy(up.Str, "watcher", "debounce")

	helper.Copy(up.Str, "bridge", "command_path")
	helper.Copy(up.Str, "bridge", "response_path")
	helper.Copy(up.Str, "bridge", "process_name")
	helper.Copy(up.Str, "bridge", "poll_interval")
	helper.Copy(up.Str, "bridge", "journal_retention")

	helper.Copy(up.Str, "scheduled", "cli_path")

	helper.Copy(up.Bool, "pinning", "enabled")
	helper.Copy(up.Str, "pinning", "path")

	helper.Copy(up.Bool, "relay", "enabled")
	helper.Copy(up.Str, "relay", "addr")
	helper.Copy(up.Str, "relay", "password")
	helper.Copy(up.Int, "relay", "db")
	helper.Copy(up.Str, "relay", "channel")

	helper.Copy(up.Int|up.Float, "rate_limit", "rps")
	helper.Copy(up.Int, "rate_limit", "burst")

	helper.Copy(up.Str, "client", "server")
	helper.Copy(up.Str, "client", "cache_path")

	helper.Copy(up.List, "contacts")

	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
}

// Upgrader carries user values into the layout of the embedded example.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"watcher"},
			{"bridge"},
			{"scheduled"},
			{"pinning"},
			{"relay"},
			{"rate_limit"},
			{"client"},
			{"contacts"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}
