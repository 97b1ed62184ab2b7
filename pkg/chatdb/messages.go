// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/webmessages/pkg/attributedbody"
	"github.com/lrhodin/webmessages/pkg/reactions"
)

const messageColumns = `
	m.ROWID,
	m.guid,
	m.text,
	m.attributedBody,
	COALESCE(m.handle_id, 0),
	COALESCE(m.service, ''),
	COALESCE(m.is_from_me, 0),
	COALESCE(m.date, 0),
	COALESCE(m.date_read, 0),
	COALESCE(m.date_delivered, 0),
	COALESCE(m.date_retracted, 0),
	COALESCE(m.date_edited, 0),
	COALESCE(m.is_delivered, 0),
	COALESCE(m.is_sent, 0),
	COALESCE(m.is_read, 0),
	COALESCE(m.cache_has_attachments, 0),
	COALESCE(m.associated_message_type, 0),
	m.associated_message_guid,
	m.associated_message_emoji,
	m.thread_originator_guid,
	m.thread_originator_part,
	m.group_title,
	COALESCE(m.group_action_type, 0),
	COALESCE(m.item_type, 0),
	COALESCE(m.other_handle, 0),
	m.balloon_bundle_id,
	COALESCE(m.schedule_type, 0),
	COALESCE(m.schedule_state, 0),
	COALESCE(h.id, ''),
	COALESCE(cmj.chat_id, 0),
	COALESCE(c.guid, '')
`

// visibleMessageFilter keeps normal messages and group events (renames,
// membership changes) and drops tapbacks, edit markers and other system rows.
const visibleMessageFilter = `
	m.associated_message_type = 0
	AND NOT (m.item_type != 0 AND m.group_action_type = 0 AND m.group_title IS NULL)
`

func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func scanMessage(row dbutil.Scannable) (*Message, error) {
	var msg Message
	var text, assocGUID, assocEmoji, threadGUID, threadPart, groupTitle, balloon sql.NullString
	var attributed []byte
	var date, dateRead, dateDelivered, dateRetracted, dateEdited int64
	var fromMe, delivered, sent, read, hasAttachments int
	err := row.Scan(
		&msg.RowID, &msg.GUID, &text, &attributed, &msg.HandleID, &msg.Service, &fromMe,
		&date, &dateRead, &dateDelivered, &dateRetracted, &dateEdited,
		&delivered, &sent, &read, &hasAttachments,
		&msg.AssociatedMessageType, &assocGUID, &assocEmoji, &threadGUID, &threadPart,
		&groupTitle, &msg.GroupActionType, &msg.ItemType, &msg.OtherHandle, &balloon,
		&msg.ScheduleType, &msg.ScheduleState, &msg.Sender, &msg.ChatID, &msg.ChatGUID,
	)
	if err != nil {
		return nil, err
	}
	msg.Text = nullStr(text)
	msg.Body = attributedbody.BodyText(text.String, attributed)
	msg.IsFromMe = fromMe == 1
	msg.IsDelivered = delivered == 1
	msg.IsSent = sent == 1
	msg.IsRead = read == 1
	msg.CacheHasAttachments = hasAttachments == 1
	msg.AssociatedMessageGUID = nullStr(assocGUID)
	msg.AssociatedMessageEmoji = nullStr(assocEmoji)
	msg.ThreadOriginatorGUID = nullStr(threadGUID)
	msg.ThreadOriginatorPart = nullStr(threadPart)
	msg.GroupTitle = nullStr(groupTitle)
	msg.BalloonBundleID = nullStr(balloon)

	// Newer OS releases blank an unsent row and only bump date_edited.
	syntheticRetracted := dateRetracted == 0 &&
		dateEdited > 0 &&
		msg.AssociatedMessageType == 0 &&
		msg.IsFromMe &&
		msg.Service == ServiceIMessage &&
		strings.TrimSpace(msg.Body) == ""
	if syntheticRetracted {
		dateRetracted, dateEdited = dateEdited, 0
	}
	if dateRetracted > 0 {
		msg.Body = ""
	}

	msg.Date = AppleToUnixMs(date)
	msg.DateRead = ptr.NonZero(AppleToUnixMs(dateRead))
	msg.DateDelivered = ptr.NonZero(AppleToUnixMs(dateDelivered))
	msg.DateRetracted = ptr.NonZero(AppleToUnixMs(dateRetracted))
	msg.DateEdited = ptr.NonZero(AppleToUnixMs(dateEdited))
	return &msg, nil
}

var scanMessageFn = dbutil.ConvertRowFn[*Message](scanMessage)

// RowsSince returns every message with a sequence number above seq, in
// ascending sequence order.
func (db *DB) RowsSince(ctx context.Context, seq int64) ([]*Message, error) {
	msgs, err := scanMessageFn.NewRowIter(db.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.ROWID > $1
		ORDER BY m.ROWID ASC
	`, seq)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query new messages: %w", err)
	}
	return msgs, nil
}

// MaxSeq returns the highest message sequence number, or 0 for an empty store.
func (db *DB) MaxSeq(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := db.db.QueryRow(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to query max message rowid: %w", err)
	}
	return maxID.Int64, nil
}

// MessageByGUID returns the message with the given guid or ErrNotFound.
func (db *DB) MessageByGUID(ctx context.Context, guid string) (*Message, error) {
	msg, err := scanMessage(db.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM message m
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.guid = $1
		LIMIT 1
	`, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query message %s: %w", guid, err)
	}
	return msg, nil
}

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

// MessagesByChat returns one page of visible messages across the given
// chats. The page is selected newest-first and returned oldest-first, with
// active reactions attached.
func (db *DB) MessagesByChat(ctx context.Context, chatIDs []int64, limit, offset int) ([]*Message, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(chatIDs)+2)
	for _, id := range chatIDs {
		args = append(args, id)
	}
	args = append(args, limit, offset)
	msgs, err := scanMessageFn.NewRowIter(db.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE cmj.chat_id IN (`+placeholders(1, len(chatIDs))+`)
			AND `+visibleMessageFilter+`
		ORDER BY m.date DESC
		LIMIT $`+strconv.Itoa(len(chatIDs)+1)+` OFFSET $`+strconv.Itoa(len(chatIDs)+2),
		args...)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	var events []reactions.Event
	for _, id := range chatIDs {
		chatEvents, err := db.ReactionsByChat(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, chatEvents...)
	}
	if len(events) > 0 {
		active := reactions.Aggregate(events)
		for _, msg := range msgs {
			msg.Reactions = active[msg.GUID]
		}
	}
	return msgs, nil
}

func scanReactionEvent(row dbutil.Scannable) (reactions.Event, error) {
	var ev reactions.Event
	var emoji sql.NullString
	var fromMe int
	err := row.Scan(&ev.RowID, &ev.Target, &ev.Type, &emoji, &ev.HandleID, &fromMe, &ev.Sender)
	ev.Emoji = emoji.String
	ev.IsFromMe = fromMe == 1
	return ev, err
}

const reactionColumns = `
	m.ROWID,
	COALESCE(m.associated_message_guid, ''),
	m.associated_message_type,
	m.associated_message_emoji,
	COALESCE(m.handle_id, 0),
	COALESCE(m.is_from_me, 0),
	COALESCE(h.id, '')
`

// ReactionsByChat returns every tapback row in a chat in arrival order.
func (db *DB) ReactionsByChat(ctx context.Context, chatID int64) ([]reactions.Event, error) {
	events, err := dbutil.ConvertRowFn[reactions.Event](scanReactionEvent).NewRowIter(db.db.Query(ctx, `
		SELECT `+reactionColumns+`
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE cmj.chat_id = $1
			AND m.associated_message_type >= 2000
			AND m.associated_message_type <= 3006
		ORDER BY m.ROWID ASC
	`, chatID)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions for chat %d: %w", chatID, err)
	}
	return events, nil
}

// ReactionsForMessage returns the active reactions on a single message.
func (db *DB) ReactionsForMessage(ctx context.Context, guid string) ([]reactions.Reaction, error) {
	events, err := dbutil.ConvertRowFn[reactions.Event](scanReactionEvent).NewRowIter(db.db.Query(ctx, `
		SELECT `+reactionColumns+`
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE (m.associated_message_guid = 'bp:' || $1 OR m.associated_message_guid LIKE 'p:%/' || $1)
			AND m.associated_message_type >= 2000
			AND m.associated_message_type <= 3006
		ORDER BY m.ROWID ASC
	`, guid)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions for %s: %w", guid, err)
	}
	return reactions.Aggregate(events)[guid], nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns visible messages whose plain text column contains query,
// newest first. Rows that only carry an attributedBody are not matched.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]*Message, error) {
	msgs, err := scanMessageFn.NewRowIter(db.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.text LIKE '%' || $1 || '%' ESCAPE '\'
			AND m.associated_message_type = 0
			AND COALESCE(m.date_retracted, 0) = 0
		ORDER BY m.date DESC
		LIMIT $2
	`, likeEscaper.Replace(query), limit)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return msgs, nil
}
