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
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ServiceIMessage = "iMessage"
	ServiceSMS      = "SMS"
)

// ScriptRunner executes one AppleScript program.
type ScriptRunner func(ctx context.Context, script string) error

func runOsascript(ctx context.Context, script string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("osascript failed: %w: %s", err, msg)
		}
		return fmt.Errorf("osascript failed: %w", err)
	}
	return nil
}

// EscapeAppleScript escapes s for use inside an AppleScript string literal.
func EscapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// ScriptSender sends messages through the Messages app scripting interface.
type ScriptSender struct {
	TextTimeout time.Duration
	FileTimeout time.Duration
	Run         ScriptRunner

	queue Enqueuer
	log   zerolog.Logger
}

func NewScriptSender(queue Enqueuer, log zerolog.Logger) *ScriptSender {
	return &ScriptSender{
		TextTimeout: 10 * time.Second,
		FileTimeout: 30 * time.Second,
		Run:         runOsascript,
		queue:       queue,
		log:         log.With().Str("component", "applescript").Logger(),
	}
}

func (s *ScriptSender) exec(ctx context.Context, name, script string, timeout time.Duration) error {
	fn := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.Run(ctx, script)
	}
	var err error
	if s.queue != nil {
		err = s.queue.Enqueue(ctx, name, fn)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("op", name).Msg("AppleScript send failed")
	}
	return err
}

func (s *ScriptSender) SendText(ctx context.Context, chatGUID, text string) error {
	script := fmt.Sprintf(`tell application "Messages"
	set targetChat to a reference to chat id "%s"
	send "%s" to targetChat
end tell`, EscapeAppleScript(chatGUID), EscapeAppleScript(text))
	return s.exec(ctx, "send_text", script, s.TextTimeout)
}

// SendToHandle starts or continues a direct conversation with handle.
func (s *ScriptSender) SendToHandle(ctx context.Context, handle, service, text string) error {
	if service != ServiceSMS {
		service = ServiceIMessage
	}
	script := fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = %s
	set targetBuddy to participant "%s" of targetService
	send "%s" to targetBuddy
end tell`, service, EscapeAppleScript(handle), EscapeAppleScript(text))
	return s.exec(ctx, "send_handle", script, s.TextTimeout)
}

func (s *ScriptSender) SendFile(ctx context.Context, chatGUID, path string) error {
	script := fmt.Sprintf(`tell application "Messages"
	set targetChat to a reference to chat id "%s"
	set theAttachment to POSIX file "%s"
	send theAttachment to targetChat
end tell`, EscapeAppleScript(chatGUID), EscapeAppleScript(path))
	return s.exec(ctx, "send_file", script, s.FileTimeout)
}
