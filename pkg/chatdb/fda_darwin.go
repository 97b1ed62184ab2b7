// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

//go:build darwin && !ios

package chatdb

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// PromptFullDiskAccess shows a dialog explaining the missing permission and
// opens the matching System Settings pane.
func PromptFullDiskAccess(log zerolog.Logger) {
	log.Warn().Msg("Full Disk Access not granted, prompting user")
	script := `display dialog "webmessages needs Full Disk Access to read your Messages history.\n\nClick OK to open System Settings, then enable the toggle for webmessages." with title "webmessages" buttons {"OK"} default button "OK"`
	_ = exec.Command("osascript", "-e", script).Run()
	_ = exec.Command("open", "x-apple.systempreferences:com.apple.preference.security?Privacy_AllFiles").Run()
}

// WaitForAccess blocks until chat.db can be opened or ctx is done.
func WaitForAccess(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	for {
		db, err := Open(ctx, path, log)
		if err == nil {
			log.Info().Msg("Full Disk Access granted")
			return db, nil
		} else if !IsPermissionError(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
