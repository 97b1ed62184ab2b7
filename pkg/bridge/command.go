// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

type Action string

const (
	ActionReact       Action = "react"
	ActionUnsend      Action = "unsend"
	ActionDebugUnsend Action = "debug_unsend"
	ActionReply       Action = "reply"
	ActionEdit        Action = "edit"
	ActionMarkRead    Action = "mark_read"
)

const (
	DefaultTimeout = 8 * time.Second
	LongTimeout    = 15 * time.Second
)

// Timeout returns how long to wait for the executor to answer the action.
func (a Action) Timeout() time.Duration {
	switch a {
	case ActionReply, ActionEdit, ActionMarkRead:
		return LongTimeout
	default:
		return DefaultTimeout
	}
}

// Command is the JSON document written to the command mailbox.
type Command struct {
	ID           string `json:"id"`
	Action       Action `json:"action"`
	ChatGUID     string `json:"chatGuid"`
	MessageGUID  string `json:"messageGuid,omitempty"`
	ReactionType int    `json:"reactionType,omitempty"`
	Text         string `json:"text,omitempty"`
	PartIndex    *int   `json:"partIndex,omitempty"`
	ScheduleAt   int64  `json:"scheduleAt,omitempty"`
}

// Response is the executor's answer. Fields beyond id, success and error
// are action specific and kept in Extra.
type Response struct {
	ID      string
	Success bool
	Error   string
	Extra   map[string]json.RawMessage
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw["id"], &r.ID); err != nil {
		return errors.New("response has no id")
	}
	if successRaw, ok := raw["success"]; ok {
		if err := json.Unmarshal(successRaw, &r.Success); err != nil {
			return err
		}
	}
	if errRaw, ok := raw["error"]; ok {
		_ = json.Unmarshal(errRaw, &r.Error)
	}
	delete(raw, "id")
	delete(raw, "success")
	delete(raw, "error")
	r.Extra = raw
	return nil
}

func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["id"] = r.ID
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

var (
	ErrTimeout    = errors.New("bridge timeout: no response received")
	ErrNotRunning = errors.New("command executor is not running")
	ErrStopped    = errors.New("bridge is stopped")
)

// RejectedError is returned when the executor answered success=false.
type RejectedError struct {
	Action  Action
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "executor rejected " + string(e.Action)
	}
	return e.Message
}

// IsTransportFailure reports whether err means the command never got a
// verdict from the executor.
func IsTransportFailure(err error) bool {
	var rejected *RejectedError
	return err != nil && !errors.As(err, &rejected)
}
