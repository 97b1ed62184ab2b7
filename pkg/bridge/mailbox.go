// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Transport delivers one command and waits for its response until ctx is
// done.
type Transport interface {
	Exchange(ctx context.Context, cmd *Command) (*Response, error)
}

// FileMailbox exchanges commands with the executor through two JSON files.
// It is a single-slot mailbox: callers must not run two exchanges at once.
type FileMailbox struct {
	CommandPath  string
	ResponsePath string
	PollInterval time.Duration

	log zerolog.Logger
}

// DefaultMailboxPaths returns ~/.webmessages-cmd.json and ~/.webmessages-resp.json.
func DefaultMailboxPaths() (cmdPath, respPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".webmessages-cmd.json"), filepath.Join(home, ".webmessages-resp.json"), nil
}

func NewFileMailbox(cmdPath, respPath string, log zerolog.Logger) *FileMailbox {
	return &FileMailbox{
		CommandPath:  cmdPath,
		ResponsePath: respPath,
		PollInterval: 100 * time.Millisecond,
		log:          log.With().Str("component", "mailbox").Logger(),
	}
}

func (m *FileMailbox) writeCommand(cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	tmpPath := m.CommandPath + ".tmp"
	if err = os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	if err = os.Rename(tmpPath, m.CommandPath); err != nil {
		return fmt.Errorf("failed to move command into place: %w", err)
	}
	return nil
}

// readResponse returns the response if the file holds a complete answer to
// the given command id. Missing, partial and foreign files yield nil.
func (m *FileMailbox) readResponse(id string) *Response {
	data, err := os.ReadFile(m.ResponsePath)
	if err != nil {
		return nil
	}
	var resp Response
	if err = json.Unmarshal(data, &resp); err != nil || resp.ID != id {
		return nil
	}
	_ = os.Remove(m.ResponsePath)
	return &resp
}

func (m *FileMailbox) Exchange(ctx context.Context, cmd *Command) (*Response, error) {
	// A response left behind by an aborted run must not be matched.
	if err := os.Remove(m.ResponsePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn().Err(err).Msg("Failed to remove stale response file")
	}

	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err = watcher.Add(filepath.Dir(m.ResponsePath)); err == nil {
			wake = watcher.Events
		} else {
			m.log.Debug().Err(err).Msg("Failed to watch response directory, polling only")
		}
	}

	if err = m.writeCommand(cmd); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt := <-wake:
			if filepath.Clean(evt.Name) != filepath.Clean(m.ResponsePath) {
				continue
			}
		case <-ticker.C:
		}
		if resp := m.readResponse(cmd.ID); resp != nil {
			return resp, nil
		}
	}
}
