// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/webmessages/pkg/config"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(baseDir, "webmessages", "config.yaml")
}

// prepareApp loads .env files and the config, then builds the root logger.
// A missing config file falls back to the embedded example.
func prepareApp(ctx *cli.Context) error {
	if err := config.LoadDotEnv(ctx.StringSlice("env-file")...); err != nil {
		return err
	}
	path := ctx.String("config")
	var cfg *config.Config
	_, err := os.Stat(path)
	missing := errors.Is(err, fs.ErrNotExist)
	if missing {
		cfg, err = config.Example()
		if err == nil {
			err = cfg.ApplyEnv(os.LookupEnv)
		}
	} else {
		cfg, err = config.Load(path, false)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := cfg.Logging.NewLogger(os.Stderr)
	if missing {
		log.Debug().Str("path", path).Msg("Config file not found, using defaults")
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func main() {
	app := &cli.App{
		Name:    "webmessages",
		Usage:   "Serve and sync the macOS Messages database over HTTP",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   getConfigPath(),
				EnvVars: []string{"WEBMESSAGES_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment variables from these files",
				Value: cli.NewStringSlice(".env"),
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			tailCommand,
			doctorCommand,
			scheduledCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
