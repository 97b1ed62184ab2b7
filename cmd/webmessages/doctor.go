// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/state"
)

var doctorCommand = &cli.Command{
	Name:   "doctor",
	Usage:  "Check database access, the executor and recent commands",
	Before: prepareApp,
	Action: cmdDoctor,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "commands",
			Usage: "Number of recent journaled commands to show",
			Value: 10,
		},
	},
}

func report(ok bool, format string, args ...any) {
	mark := "ok  "
	if !ok {
		mark = "FAIL"
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func cmdDoctor(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	failed := false
	check := func(ok bool, format string, args ...any) {
		failed = failed || !ok
		report(ok, format, args...)
	}

	path, err := resolveChatDBPath(cfg)
	if err != nil {
		return err
	}
	db, err := chatdb.Open(ctx.Context, path, log)
	switch {
	case chatdb.IsPermissionError(err):
		check(false, "chat.db at %s is not readable, grant Full Disk Access to this binary", path)
	case err != nil:
		check(false, "chat.db at %s: %v", path, err)
	default:
		if err = db.Probe(ctx.Context); err != nil {
			check(false, "chat.db test query: %v", err)
		} else if chats, err := db.ChatList(ctx.Context); err != nil {
			check(false, "chat.db chat list: %v", err)
		} else {
			check(true, "chat.db at %s has %d chats", path, len(chats))
		}
		_ = db.Close()
	}

	cmdPath, respPath := cfg.Bridge.CommandPath, cfg.Bridge.ResponsePath
	if cmdPath == "" || respPath == "" {
		defCmd, defResp, err := bridge.DefaultMailboxPaths()
		if err != nil {
			return err
		}
		cmdPath, respPath = orDefault(cmdPath, defCmd), orDefault(respPath, defResp)
	}
	fmt.Printf("       command mailbox: %s\n", cmdPath)
	fmt.Printf("       response mailbox: %s\n", respPath)
	if _, err = os.Stat(cmdPath); err == nil {
		fmt.Println("       a command is waiting to be picked up by the executor")
	}

	if cfg.Bridge.ProcessName != "" {
		running, err := bridge.ProcessProbe{Name: cfg.Bridge.ProcessName}.Running(ctx.Context)
		switch {
		case err != nil:
			check(false, "checking for %s: %v", cfg.Bridge.ProcessName, err)
		default:
			check(running, "%s running: %t", cfg.Bridge.ProcessName, running)
		}
	}

	if cfg.Scheduled.CLIPath == "" {
		fmt.Println("       scheduled messages are disabled (scheduled.cli_path is empty)")
	} else if info, err := os.Stat(cfg.Scheduled.CLIPath); err != nil {
		check(false, "scheduled helper %s: %v", cfg.Scheduled.CLIPath, err)
	} else {
		check(info.Mode()&0o111 != 0, "scheduled helper %s is executable", cfg.Scheduled.CLIPath)
	}

	if _, err = os.Stat(cfg.StateDB); errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("       state database %s does not exist yet\n", cfg.StateDB)
	} else {
		store, err := state.Open(ctx.Context, cfg.StateDB, log)
		if err != nil {
			check(false, "state database %s: %v", cfg.StateDB, err)
		} else {
			defer store.Close()
			recent, err := store.RecentCommands(ctx.Context, ctx.Int("commands"))
			if err != nil {
				check(false, "reading command journal: %v", err)
			} else {
				check(true, "state database %s has %d recent commands", cfg.StateDB, len(recent))
				for _, rec := range recent {
					line := fmt.Sprintf("       %s %-10s %-12s %s", rec.CreatedAt.Format(time.DateTime), rec.Action, rec.Status, rec.ChatGUID)
					if rec.Error != "" {
						line += " (" + rec.Error + ")"
					}
					fmt.Println(line)
				}
			}
		}
	}

	if failed {
		return cli.Exit("one or more checks failed", 1)
	}
	return nil
}
