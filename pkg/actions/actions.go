// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package actions implements the mutating operations. Each one validates
// the request, checks its preconditions against chat.db, hands a command to
// the executor and then polls chat.db until the effect shows up.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/reactions"
)

// Store is the part of *chatdb.DB the actions read.
type Store interface {
	MessageByGUID(ctx context.Context, guid string) (*chatdb.Message, error)
	ReactionsForMessage(ctx context.Context, guid string) ([]reactions.Reaction, error)
	ChatByGUID(ctx context.Context, guid string) (*chatdb.Chat, error)
	RowsSince(ctx context.Context, seq int64) ([]*chatdb.Message, error)
	MaxSeq(ctx context.Context) (int64, error)
	EditableMessages(ctx context.Context, now time.Time) (map[string]chatdb.Eligibility, error)
	FindDirectChats(ctx context.Context, identifiers []string) ([]chatdb.DirectChat, error)
}

// Executor is the part of *bridge.Bridge the actions use.
type Executor interface {
	React(ctx context.Context, chatGUID, messageGUID string, reactionType int, partIndex *int) error
	Unsend(ctx context.Context, chatGUID, messageGUID string, partIndex *int) error
	DebugUnsend(ctx context.Context, chatGUID, messageGUID string, partIndex *int) (*bridge.Response, error)
	Reply(ctx context.Context, chatGUID, messageGUID, text string, partIndex *int) error
	Edit(ctx context.Context, chatGUID, messageGUID, text string, partIndex *int) error
	MarkRead(ctx context.Context, chatGUID string) error
}

// Scheduler is implemented by *bridge.ScheduledCLI.
type Scheduler interface {
	List(ctx context.Context, chatGUID string) []bridge.ScheduledMessage
	Schedule(ctx context.Context, chatGUID, text string, at time.Time) (*bridge.ScheduledMessage, error)
	EditText(ctx context.Context, guid, chatGUID, text string) error
	EditTime(ctx context.Context, guid, chatGUID string, at time.Time) error
	Cancel(ctx context.Context, guid, chatGUID string) error
}

// Sender is implemented by *bridge.ScriptSender.
type Sender interface {
	SendText(ctx context.Context, chatGUID, text string) error
	SendToHandle(ctx context.Context, handle, service, text string) error
	SendFile(ctx context.Context, chatGUID, path string) error
}

type Actions struct {
	store     Store
	exec      Executor
	scheduler Scheduler
	sender    Sender
	log       zerolog.Logger

	Verifier bridge.Verifier
	Now      func() time.Time
}

func New(store Store, exec Executor, scheduler Scheduler, sender Sender, log zerolog.Logger) *Actions {
	return &Actions{
		store:     store,
		exec:      exec,
		scheduler: scheduler,
		sender:    sender,
		log:       log.With().Str("component", "actions").Logger(),
		Verifier:  bridge.DefaultVerifier,
		Now:       time.Now,
	}
}

func (a *Actions) target(ctx context.Context, guid string) (*chatdb.Message, error) {
	msg, err := a.store.MessageByGUID(ctx, guid)
	if errors.Is(err, chatdb.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, guid)
	}
	return msg, err
}

// checkMutable enforces the edit/unsend preconditions. Pending scheduled
// messages are exempt from the time window.
func (a *Actions) checkMutable(msg *chatdb.Message, window time.Duration) error {
	switch {
	case !msg.IsFromMe:
		return ineligible("only your own messages can be changed")
	case msg.IsRetracted():
		return ineligible("message was already unsent")
	case msg.IsPendingScheduled():
		return nil
	case a.Now().UnixMilli()-msg.Date > window.Milliseconds():
		return ineligible(fmt.Sprintf("message is older than %s", window))
	}
	return nil
}

// verify polls check until it holds. Store errors count as "not yet".
func (a *Actions) verify(ctx context.Context, what string, check func(ctx context.Context) (bool, error)) bool {
	polls := 0
	start := time.Now()
	ok := a.Verifier.Verify(ctx, func(ctx context.Context) bool {
		polls++
		done, err := check(ctx)
		if err != nil {
			a.log.Debug().Err(err).Str("action", what).Msg("Verification query failed")
		}
		return done
	})
	a.log.Debug().
		Str("action", what).
		Bool("verified", ok).
		Int("polls", polls).
		Dur("elapsed", time.Since(start)).
		Msg("Verification finished")
	return ok
}

func requireFields(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return validationError("%s is required", fields[i])
		}
	}
	return nil
}

type ReactRequest struct {
	ChatGUID     string `json:"chatGuid"`
	MessageGUID  string `json:"messageGuid"`
	ReactionType *int   `json:"reactionType"`
	PartIndex    *int   `json:"partIndex,omitempty"`
}

func (a *Actions) React(ctx context.Context, req ReactRequest) error {
	if err := requireFields("chatGuid", req.ChatGUID, "messageGuid", req.MessageGUID); err != nil {
		return err
	} else if req.ReactionType == nil {
		return validationError("reactionType is required")
	}
	code, ok := reactions.NormalizeRequestType(*req.ReactionType)
	if !ok {
		return validationError("unknown reactionType %d", *req.ReactionType)
	}
	kind, _ := reactions.BaseKind(code)
	wantPresent := reactions.IsAdd(code)
	if _, err := a.target(ctx, req.MessageGUID); err != nil {
		return err
	}

	if err := a.exec.React(ctx, req.ChatGUID, req.MessageGUID, code, req.PartIndex); err != nil {
		return classifyRejection(err)
	}
	verified := a.verify(ctx, "react", func(ctx context.Context) (bool, error) {
		active, err := a.store.ReactionsForMessage(ctx, req.MessageGUID)
		if err != nil {
			return false, err
		}
		return reactions.NewSet(active).Has(reactions.SelfActor, kind) == wantPresent, nil
	})
	if !verified {
		return fmt.Errorf("%w: reaction not reflected on %s", ErrNoEffect, req.MessageGUID)
	}
	return nil
}

type UnsendRequest struct {
	ChatGUID    string `json:"chatGuid"`
	MessageGUID string `json:"messageGuid"`
	PartIndex   *int   `json:"partIndex,omitempty"`
}

func (a *Actions) Unsend(ctx context.Context, req UnsendRequest) error {
	if err := requireFields("chatGuid", req.ChatGUID, "messageGuid", req.MessageGUID); err != nil {
		return err
	}
	msg, err := a.target(ctx, req.MessageGUID)
	if err != nil {
		return err
	} else if err = a.checkMutable(msg, chatdb.UnsendWindow); err != nil {
		return err
	}

	if err = a.exec.Unsend(ctx, req.ChatGUID, req.MessageGUID, req.PartIndex); err != nil {
		return classifyRejection(err)
	}
	verified := a.verify(ctx, "unsend", func(ctx context.Context) (bool, error) {
		msg, err := a.store.MessageByGUID(ctx, req.MessageGUID)
		if err != nil {
			return false, err
		}
		return msg.IsRetracted(), nil
	})
	if verified {
		return nil
	}
	a.logUnsendDiagnostics(ctx, req)
	return fmt.Errorf("%w: no retraction observed for %s", ErrNoEffect, req.MessageGUID)
}

func (a *Actions) logUnsendDiagnostics(ctx context.Context, req UnsendRequest) {
	resp, err := a.exec.DebugUnsend(ctx, req.ChatGUID, req.MessageGUID, req.PartIndex)
	evt := a.log.Warn().
		Str("chat_guid", req.ChatGUID).
		Str("message_guid", req.MessageGUID)
	if err != nil {
		evt = evt.AnErr("debug_error", err)
	}
	if resp != nil {
		dict := zerolog.Dict()
		for key, value := range resp.Extra {
			dict = dict.RawJSON(key, value)
		}
		evt = evt.Dict("diagnostics", dict)
	}
	evt.Msg("Unsend accepted but no retraction observed")
}

type EditRequest struct {
	ChatGUID    string `json:"chatGuid"`
	MessageGUID string `json:"messageGuid"`
	Text        string `json:"text"`
	PartIndex   *int   `json:"partIndex,omitempty"`
}

func (a *Actions) Edit(ctx context.Context, req EditRequest) error {
	if err := requireFields("chatGuid", req.ChatGUID, "messageGuid", req.MessageGUID, "text", req.Text); err != nil {
		return err
	}
	msg, err := a.target(ctx, req.MessageGUID)
	if err != nil {
		return err
	} else if err = a.checkMutable(msg, chatdb.EditWindow); err != nil {
		return err
	}
	if msg.IsPendingScheduled() {
		text := strings.TrimSpace(req.Text)
		return a.EditScheduled(ctx, EditScheduledRequest{ID: req.MessageGUID, ChatGUID: req.ChatGUID, Text: &text})
	}

	if err = a.exec.Edit(ctx, req.ChatGUID, req.MessageGUID, req.Text, req.PartIndex); err != nil {
		return classifyRejection(err)
	}
	var editedBefore int64
	if msg.DateEdited != nil {
		editedBefore = *msg.DateEdited
	}
	bodyBefore := msg.TrimmedBody()
	verified := a.verify(ctx, "edit", func(ctx context.Context) (bool, error) {
		current, err := a.store.MessageByGUID(ctx, req.MessageGUID)
		if err != nil {
			return false, err
		}
		edited := current.DateEdited != nil && *current.DateEdited > editedBefore
		return edited || current.TrimmedBody() != bodyBefore, nil
	})
	if !verified {
		return fmt.Errorf("%w: edit not reflected on %s", ErrNoEffect, req.MessageGUID)
	}
	return nil
}

type ReplyRequest struct {
	ChatGUID    string `json:"chatGuid"`
	MessageGUID string `json:"messageGuid"`
	Text        string `json:"text"`
	PartIndex   *int   `json:"partIndex,omitempty"`
}

// newOwnRow waits for a self-authored row after seq that satisfies match.
func (a *Actions) newOwnRow(ctx context.Context, what string, seq int64, match func(*chatdb.Message) bool) *chatdb.Message {
	var found *chatdb.Message
	a.verify(ctx, what, func(ctx context.Context) (bool, error) {
		rows, err := a.store.RowsSince(ctx, seq)
		if err != nil {
			return false, err
		}
		for _, row := range rows {
			if row.IsFromMe && match(row) {
				found = row
				return true, nil
			}
		}
		return false, nil
	})
	return found
}

func (a *Actions) Reply(ctx context.Context, req ReplyRequest) (*chatdb.Message, error) {
	if err := requireFields("chatGuid", req.ChatGUID, "messageGuid", req.MessageGUID, "text", req.Text); err != nil {
		return nil, err
	}
	if _, err := a.target(ctx, req.MessageGUID); err != nil {
		return nil, err
	}
	seq, err := a.store.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}
	if err = a.exec.Reply(ctx, req.ChatGUID, req.MessageGUID, req.Text, req.PartIndex); err != nil {
		return nil, classifyRejection(err)
	}
	row := a.newOwnRow(ctx, "reply", seq, func(m *chatdb.Message) bool {
		return m.ThreadOriginatorGUID != nil && *m.ThreadOriginatorGUID == req.MessageGUID
	})
	if row == nil {
		return nil, fmt.Errorf("%w: reply to %s did not appear", ErrNoEffect, req.MessageGUID)
	}
	return row, nil
}

type SendRequest struct {
	ChatGUID string `json:"chatGuid,omitempty"`
	Handle   string `json:"handle,omitempty"`
	Text     string `json:"text"`
	Service  string `json:"service,omitempty"`
}

// Send sends a new text message to an existing chat, or to a handle when
// no chat guid is given. A handle that already has a direct chat is sent
// to through that chat.
func (a *Actions) Send(ctx context.Context, req SendRequest) (*chatdb.Message, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, validationError("text is required")
	} else if req.ChatGUID == "" && req.Handle == "" {
		return nil, validationError("chatGuid or handle is required")
	}
	chatGUID := req.ChatGUID
	if chatGUID == "" {
		existing, err := a.store.FindDirectChats(ctx, []string{req.Handle})
		if err != nil {
			return nil, err
		} else if len(existing) > 0 {
			chatGUID = existing[0].GUID
		}
	}
	seq, err := a.store.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}
	if chatGUID != "" {
		err = a.sender.SendText(ctx, chatGUID, req.Text)
	} else {
		err = a.sender.SendToHandle(ctx, req.Handle, req.Service, req.Text)
	}
	if err != nil {
		return nil, err
	}
	row := a.newOwnRow(ctx, "send", seq, func(m *chatdb.Message) bool {
		return (chatGUID == "" || m.ChatGUID == chatGUID) && m.TrimmedBody() == text
	})
	if row == nil {
		return nil, fmt.Errorf("%w: sent message did not appear", ErrNoEffect)
	}
	return row, nil
}

// SendFile sends the file at path to a chat and waits for the attachment
// row.
func (a *Actions) SendFile(ctx context.Context, chatGUID, path string) (*chatdb.Message, error) {
	if err := requireFields("chatGuid", chatGUID, "file", path); err != nil {
		return nil, err
	}
	seq, err := a.store.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}
	if err = a.sender.SendFile(ctx, chatGUID, path); err != nil {
		return nil, err
	}
	row := a.newOwnRow(ctx, "send_file", seq, func(m *chatdb.Message) bool {
		return m.ChatGUID == chatGUID && m.CacheHasAttachments
	})
	if row == nil {
		return nil, fmt.Errorf("%w: attachment did not appear", ErrNoEffect)
	}
	return row, nil
}

func (a *Actions) MarkRead(ctx context.Context, chatGUID string) error {
	if err := requireFields("chatGuid", chatGUID); err != nil {
		return err
	}
	if _, err := a.store.ChatByGUID(ctx, chatGUID); errors.Is(err, chatdb.ErrNotFound) {
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatGUID)
	} else if err != nil {
		return err
	}
	if err := a.exec.MarkRead(ctx, chatGUID); err != nil {
		return classifyRejection(err)
	}
	verified := a.verify(ctx, "mark_read", func(ctx context.Context) (bool, error) {
		chat, err := a.store.ChatByGUID(ctx, chatGUID)
		if err != nil {
			return false, err
		}
		return chat.UnreadCount == 0, nil
	})
	if !verified {
		return fmt.Errorf("%w: chat %s still has unread messages", ErrNoEffect, chatGUID)
	}
	return nil
}

// Eligibility returns edit and unsend deadlines for recent own messages.
func (a *Actions) Eligibility(ctx context.Context) (map[string]chatdb.Eligibility, error) {
	return a.store.EditableMessages(ctx, a.Now())
}
