// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const ScheduledTimeout = 15 * time.Second

var ErrNoScheduledBridge = errors.New("scheduled message bridge is not configured")

// ScheduledMessage is one send-later message as reported by the CLI.
type ScheduledMessage struct {
	GUID          string  `json:"guid"`
	ChatGUID      string  `json:"chatGuid"`
	Text          *string `json:"text"`
	ScheduledAt   int64   `json:"scheduledAt"`
	ScheduleType  int     `json:"scheduleType,omitempty"`
	ScheduleState int     `json:"scheduleState,omitempty"`
	Cancelled     bool    `json:"cancelled,omitempty"`
}

type cliResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// Enqueuer serializes work. *Bridge implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// ScheduledCLI drives the scheduled-message helper executable.
type ScheduledCLI struct {
	Path    string
	Timeout time.Duration

	queue Enqueuer
	log   zerolog.Logger
}

// NewScheduledCLI creates a runner for the executable at path. If queue is
// non-nil, invocations share its FIFO order.
func NewScheduledCLI(path string, queue Enqueuer, log zerolog.Logger) *ScheduledCLI {
	return &ScheduledCLI{
		Path:    path,
		Timeout: ScheduledTimeout,
		queue:   queue,
		log:     log.With().Str("component", "scheduled_cli").Logger(),
	}
}

func (s *ScheduledCLI) Configured() bool {
	return s != nil && s.Path != ""
}

func (s *ScheduledCLI) exec(ctx context.Context, args []string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	var result cliResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("failed to run scheduled bridge: %w (stderr: %s)", runErr, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("failed to parse scheduled bridge output: %w", err)
	}
	if !result.OK {
		msg := result.Error
		if msg == "" {
			msg = "Bridge command failed"
		}
		return nil, &RejectedError{Message: msg}
	}
	return result.Data, nil
}

func (s *ScheduledCLI) run(ctx context.Context, args ...string) (data json.RawMessage, err error) {
	if !s.Configured() {
		return nil, ErrNoScheduledBridge
	}
	start := time.Now()
	fn := func(ctx context.Context) error {
		data, err = s.exec(ctx, args)
		return err
	}
	if s.queue != nil {
		err = s.queue.Enqueue(ctx, "scheduled "+args[0], fn)
	} else {
		err = fn(ctx)
	}
	s.log.Debug().
		Strs("args", args).
		Dur("elapsed", time.Since(start)).
		AnErr("error", err).
		Msg("Ran scheduled bridge command")
	return data, err
}

// List returns the scheduled messages of one chat, or of all chats if
// chatGUID is empty. Failures are logged and yield an empty list.
func (s *ScheduledCLI) List(ctx context.Context, chatGUID string) []ScheduledMessage {
	args := []string{"list-all"}
	if chatGUID != "" {
		args = []string{"list", chatGUID}
	}
	out := []ScheduledMessage{}
	data, err := s.run(ctx, args...)
	if err != nil {
		s.log.Warn().Err(err).Str("chat_guid", chatGUID).Msg("Failed to list scheduled messages")
		return out
	}
	if err = json.Unmarshal(data, &out); err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse scheduled message list")
		return []ScheduledMessage{}
	}
	return out
}

func (s *ScheduledCLI) Schedule(ctx context.Context, chatGUID, text string, at time.Time) (*ScheduledMessage, error) {
	data, err := s.run(ctx, "schedule", chatGUID, text, strconv.FormatInt(at.UnixMilli(), 10))
	if err != nil {
		return nil, err
	}
	var msg ScheduledMessage
	if err = json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse scheduled message: %w", err)
	}
	return &msg, nil
}

func (s *ScheduledCLI) EditText(ctx context.Context, guid, chatGUID, text string) error {
	_, err := s.run(ctx, "edit-text", guid, chatGUID, text)
	return err
}

func (s *ScheduledCLI) EditTime(ctx context.Context, guid, chatGUID string, at time.Time) error {
	_, err := s.run(ctx, "edit-time", guid, chatGUID, strconv.FormatInt(at.UnixMilli(), 10))
	return err
}

func (s *ScheduledCLI) Cancel(ctx context.Context, guid, chatGUID string) error {
	_, err := s.run(ctx, "cancel", guid, chatGUID)
	return err
}
