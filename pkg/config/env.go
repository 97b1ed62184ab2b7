// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const EnvPrefix = "WEBMESSAGES_"

// LegacyScheduledBridgeEnv is the older name of WEBMESSAGES_SCHEDULED_BRIDGE.
const LegacyScheduledBridgeEnv = "IMCORE_BRIDGE"

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding ones that are already set. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		err := godotenv.Load(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

type LookupFunc func(key string) (string, bool)

type envBinding struct {
	name  string
	apply func(c *Config, value string) error
}

func str(target func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, value string) error {
		*target(c) = value
		return nil
	}
}

func boolean(target func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*target(c) = parsed
		return nil
	}
}

func integer(target func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target(c) = parsed
		return nil
	}
}

func duration(target func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target(c) = parsed
		return nil
	}
}

var envBindings = []envBinding{
	{"LISTEN", str(func(c *Config) *string { return &c.Listen })},
	{"CHAT_DB", str(func(c *Config) *string { return &c.ChatDB })},
	{"STATE_DB", str(func(c *Config) *string { return &c.StateDB })},
	{"WATCHER_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Watcher.Interval })},
	{"BRIDGE_COMMAND_PATH", str(func(c *Config) *string { return &c.Bridge.CommandPath })},
	{"BRIDGE_RESPONSE_PATH", str(func(c *Config) *string { return &c.Bridge.ResponsePath })},
	{"BRIDGE_PROCESS_NAME", str(func(c *Config) *string { return &c.Bridge.ProcessName })},
	{"SCHEDULED_BRIDGE", str(func(c *Config) *string { return &c.Scheduled.CLIPath })},
	{"PINNING_PATH", str(func(c *Config) *string { return &c.Pinning.Path })},
	{"RELAY_ENABLED", boolean(func(c *Config) *bool { return &c.Relay.Enabled })},
	{"RELAY_ADDR", str(func(c *Config) *string { return &c.Relay.Addr })},
	{"RELAY_PASSWORD", str(func(c *Config) *string { return &c.Relay.Password })},
	{"RELAY_DB", integer(func(c *Config) *int { return &c.Relay.DB })},
	{"CLIENT_SERVER", str(func(c *Config) *string { return &c.Client.Server })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_PRETTY", boolean(func(c *Config) *bool { return &c.Logging.Pretty })},
}

// ApplyEnv overrides config values from WEBMESSAGES_* variables and then
// re-runs PostProcess. The legacy IMCORE_BRIDGE variable sets the scheduled
// helper path when WEBMESSAGES_SCHEDULED_BRIDGE is unset.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if legacy, ok := lookup(LegacyScheduledBridgeEnv); ok && legacy != "" {
		if _, set := lookup(EnvPrefix + "SCHEDULED_BRIDGE"); !set {
			c.Scheduled.CLIPath = legacy
		}
	}
	for _, binding := range envBindings {
		value, ok := lookup(EnvPrefix + binding.name)
		if !ok {
			continue
		}
		if err := binding.apply(c, value); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, binding.name, err)
		}
	}
	return c.PostProcess()
}
