// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
)

func (a *Actions) requireScheduler() error {
	if a.scheduler == nil {
		return bridge.ErrNoScheduledBridge
	}
	return nil
}

func (a *Actions) ListScheduled(ctx context.Context, chatGUID string) []bridge.ScheduledMessage {
	if a.scheduler == nil {
		return []bridge.ScheduledMessage{}
	}
	return a.scheduler.List(ctx, chatGUID)
}

type ScheduleRequest struct {
	ChatGUID    string `json:"chatGuid"`
	Text        string `json:"message"`
	ScheduledAt *int64 `json:"scheduledAt"`
}

func (a *Actions) checkFuture(scheduledAt *int64) (time.Time, error) {
	if scheduledAt == nil || *scheduledAt <= a.Now().UnixMilli() {
		return time.Time{}, validationError("scheduledAt must be a future Unix timestamp in ms")
	}
	return time.UnixMilli(*scheduledAt), nil
}

func (a *Actions) Schedule(ctx context.Context, req ScheduleRequest) (*bridge.ScheduledMessage, error) {
	if err := requireFields("chatGuid", req.ChatGUID, "message", req.Text); err != nil {
		return nil, err
	}
	at, err := a.checkFuture(req.ScheduledAt)
	if err != nil {
		return nil, err
	} else if err = a.requireScheduler(); err != nil {
		return nil, err
	}
	seq, err := a.store.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	created, err := a.scheduler.Schedule(ctx, req.ChatGUID, text, at)
	if err != nil {
		return nil, classifyRejection(err)
	}
	row := a.newOwnRow(ctx, "schedule", seq, func(m *chatdb.Message) bool {
		if !m.IsPendingScheduled() {
			return false
		} else if created != nil && created.GUID != "" {
			return m.GUID == created.GUID
		}
		return m.ChatGUID == req.ChatGUID && m.TrimmedBody() == text
	})
	if row == nil {
		return nil, fmt.Errorf("%w: scheduled message did not appear", ErrNoEffect)
	}
	if created == nil {
		created = &bridge.ScheduledMessage{GUID: row.GUID, ChatGUID: req.ChatGUID, Text: &text, ScheduledAt: at.UnixMilli()}
	}
	return created, nil
}

type EditScheduledRequest struct {
	ID          string  `json:"-"`
	ChatGUID    string  `json:"chatGuid"`
	Text        *string `json:"message,omitempty"`
	ScheduledAt *int64  `json:"scheduledAt,omitempty"`
}

// scheduledSnapshot is the state the scheduled predicates compare.
type scheduledSnapshot struct {
	date      int64
	state     int
	retracted bool
	body      string
}

func snapshotOf(msg *chatdb.Message) scheduledSnapshot {
	return scheduledSnapshot{
		date:      msg.Date,
		state:     msg.ScheduleState,
		retracted: msg.IsRetracted(),
		body:      msg.TrimmedBody(),
	}
}

// verifyScheduled waits until the scheduled row differs from before. A
// vanished row counts as changed only if gone is true.
func (a *Actions) verifyScheduled(ctx context.Context, what, guid string, before scheduledSnapshot, gone bool) bool {
	return a.verify(ctx, what, func(ctx context.Context) (bool, error) {
		msg, err := a.store.MessageByGUID(ctx, guid)
		if errors.Is(err, chatdb.ErrNotFound) {
			return gone, nil
		} else if err != nil {
			return false, err
		}
		return snapshotOf(msg) != before, nil
	})
}

func (a *Actions) EditScheduled(ctx context.Context, req EditScheduledRequest) error {
	if err := requireFields("id", req.ID, "chatGuid", req.ChatGUID); err != nil {
		return err
	}
	if req.Text == nil && req.ScheduledAt == nil {
		return validationError("message or scheduledAt is required")
	}
	var text string
	if req.Text != nil {
		if text = strings.TrimSpace(*req.Text); text == "" {
			return validationError("message must be non-empty")
		}
	}
	var at time.Time
	if req.ScheduledAt != nil {
		var err error
		if at, err = a.checkFuture(req.ScheduledAt); err != nil {
			return err
		}
	}
	if err := a.requireScheduler(); err != nil {
		return err
	}
	msg, err := a.target(ctx, req.ID)
	if err != nil {
		return err
	}
	before := snapshotOf(msg)

	if req.Text != nil {
		if err = a.scheduler.EditText(ctx, req.ID, req.ChatGUID, text); err != nil {
			return classifyRejection(err)
		}
		if !a.verifyScheduled(ctx, "edit_scheduled_text", req.ID, before, false) {
			return fmt.Errorf("%w: scheduled message %s text unchanged", ErrNoEffect, req.ID)
		}
		if current, err := a.store.MessageByGUID(ctx, req.ID); err == nil {
			before = snapshotOf(current)
		}
	}
	if req.ScheduledAt != nil {
		if err = a.scheduler.EditTime(ctx, req.ID, req.ChatGUID, at); err != nil {
			return classifyRejection(err)
		}
		if !a.verifyScheduled(ctx, "edit_scheduled_time", req.ID, before, false) {
			return fmt.Errorf("%w: scheduled message %s time unchanged", ErrNoEffect, req.ID)
		}
	}
	return nil
}

func (a *Actions) CancelScheduled(ctx context.Context, id, chatGUID string) error {
	if err := requireFields("id", id, "chatGuid", chatGUID); err != nil {
		return err
	} else if err = a.requireScheduler(); err != nil {
		return err
	}
	msg, err := a.target(ctx, id)
	if err != nil {
		return err
	}
	if err = a.scheduler.Cancel(ctx, id, chatGUID); err != nil {
		return classifyRejection(err)
	}
	if !a.verifyScheduled(ctx, "cancel_scheduled", id, snapshotOf(msg), true) {
		return fmt.Errorf("%w: scheduled message %s was not cancelled", ErrNoEffect, id)
	}
	return nil
}
