// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/webmessages/pkg/config"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Manage the config file",
	Subcommands: []*cli.Command{
		{
			Name:   "example",
			Usage:  "Print the example config",
			Action: cmdConfigExample,
		},
		{
			Name:   "generate",
			Usage:  "Write the example config to the config path if nothing is there yet",
			Action: cmdConfigGenerate,
		},
		{
			Name:   "upgrade",
			Usage:  "Rewrite the config file with any options added since it was written",
			Action: cmdConfigUpgrade,
		},
		{
			Name:   "show",
			Usage:  "Print the effective config after defaults and environment overrides",
			Before: prepareApp,
			Action: cmdConfigShow,
		},
	},
}

func cmdConfigExample(ctx *cli.Context) error {
	fmt.Print(config.ExampleConfig)
	return nil
}

func cmdConfigGenerate(ctx *cli.Context) error {
	path := ctx.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote example config to %s\n", path)
	return nil
}

func cmdConfigUpgrade(ctx *cli.Context) error {
	path := ctx.String("config")
	if _, err := config.Load(path, true); err != nil {
		return err
	}
	fmt.Printf("Upgraded %s\n", path)
	return nil
}

func cmdConfigShow(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.Relay.Password != "" {
		cfg.Relay.Password = "<redacted>"
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
