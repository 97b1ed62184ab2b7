// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/webmessages/pkg/bridge"
)

var scheduledCommand = &cli.Command{
	Name:   "scheduled",
	Usage:  "Inspect and cancel send-later messages through the scheduled helper",
	Before: prepareApp,
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List scheduled messages as JSON",
			Action: cmdScheduledList,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "chat",
					Usage: "Only list messages of this chat GUID",
				},
			},
		},
		{
			Name:      "cancel",
			Usage:     "Cancel a scheduled message",
			ArgsUsage: "<message guid> <chat guid>",
			Action:    cmdScheduledCancel,
		},
	},
}

func getScheduledCLI(ctx *cli.Context) (*bridge.ScheduledCLI, error) {
	cfg := getConfig(ctx)
	if cfg.Scheduled.CLIPath == "" {
		return nil, bridge.ErrNoScheduledBridge
	}
	return bridge.NewScheduledCLI(cfg.Scheduled.CLIPath, nil, getLogger(ctx)), nil
}

func cmdScheduledList(ctx *cli.Context) error {
	scheduled, err := getScheduledCLI(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(scheduled.List(ctx.Context, ctx.String("chat")))
}

func cmdScheduledCancel(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("usage: webmessages scheduled cancel <message guid> <chat guid>", 2)
	}
	scheduled, err := getScheduledCLI(ctx)
	if err != nil {
		return err
	}
	guid := ctx.Args().Get(0)
	if err = scheduled.Cancel(ctx.Context, guid, ctx.Args().Get(1)); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", guid, err)
	}
	fmt.Printf("Cancelled %s\n", guid)
	return nil
}
