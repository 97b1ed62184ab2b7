// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatdb

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/webmessages/pkg/attributedbody"
	"github.com/lrhodin/webmessages/pkg/identity"
)

const unreadCountSQL = `
	(
		SELECT COUNT(*)
		FROM chat_message_join cmj_unread
		JOIN message mu ON mu.ROWID = cmj_unread.message_id
		WHERE cmj_unread.chat_id = c.ROWID
			AND mu.is_from_me = 0
			AND mu.associated_message_type = 0
			AND NOT (mu.item_type != 0 AND mu.group_action_type = 0 AND mu.group_title IS NULL)
			AND mu.date > COALESCE(c.last_read_message_timestamp, 0)
	)
`

// Pending Send Later rows never become the chat preview.
const chatSelect = `
	SELECT
		c.ROWID,
		c.guid,
		COALESCE(c.chat_identifier, ''),
		COALESCE(c.display_name, ''),
		COALESCE(c.service_name, ''),
		COALESCE(c.style, 0),
		COALESCE(c.is_archived, 0),
		` + unreadCountSQL + `,
		m.ROWID,
		m.guid,
		m.text,
		m.attributedBody,
		COALESCE(m.date, 0),
		COALESCE(m.is_from_me, 0),
		COALESCE(m.service, ''),
		COALESCE(m.associated_message_type, 0),
		COALESCE(m.schedule_type, 0),
		COALESCE(m.schedule_state, 0)
	FROM chat c
	LEFT JOIN message m ON m.ROWID = (
		SELECT cmj3.message_id
		FROM chat_message_join cmj3
		JOIN message m3 ON m3.ROWID = cmj3.message_id
		WHERE cmj3.chat_id = c.ROWID
			AND m3.associated_message_type = 0
			AND m3.item_type = 0
			AND COALESCE(m3.schedule_state, 0) != 2
		ORDER BY m3.date DESC
		LIMIT 1
	)
`

func scanChat(row dbutil.Scannable) (*Chat, error) {
	var chat Chat
	var archived, unread int
	var lastRowID sql.NullInt64
	var lastGUID, lastText sql.NullString
	var lastAttributed []byte
	var last Message
	var lastDate int64
	var lastFromMe int
	err := row.Scan(
		&chat.RowID, &chat.GUID, &chat.ChatIdentifier, &chat.DisplayName, &chat.ServiceName,
		&chat.Style, &archived, &unread,
		&lastRowID, &lastGUID, &lastText, &lastAttributed, &lastDate, &lastFromMe,
		&last.Service, &last.AssociatedMessageType, &last.ScheduleType, &last.ScheduleState,
	)
	if err != nil {
		return nil, err
	}
	chat.IsArchived = archived == 1
	chat.UnreadCount = max(unread, 0)
	if lastRowID.Valid {
		last.RowID = lastRowID.Int64
		last.GUID = lastGUID.String
		last.Text = nullStr(lastText)
		last.Body = attributedbody.BodyText(lastText.String, lastAttributed)
		last.Date = AppleToUnixMs(lastDate)
		last.IsFromMe = lastFromMe == 1
		last.ChatID = chat.RowID
		last.ChatGUID = chat.GUID
		chat.LastMessage = &last
	}
	return &chat, nil
}

var scanChatFn = dbutil.ConvertRowFn[*Chat](scanChat)

// ChatList returns every chat that has at least one visible message, most
// recently active first, with participants attached.
func (db *DB) ChatList(ctx context.Context) ([]*Chat, error) {
	chats, err := scanChatFn.NewRowIter(db.db.Query(ctx, chatSelect+`
		WHERE m.ROWID IS NOT NULL
		ORDER BY m.date DESC
	`)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query chat list: %w", err)
	}
	participants, err := db.allParticipants(ctx)
	if err != nil {
		return nil, err
	}
	for _, chat := range chats {
		chat.Participants = participants[chat.RowID]
	}
	return chats, nil
}

func (db *DB) chatWhere(ctx context.Context, where string, arg any) (*Chat, error) {
	chat, err := scanChat(db.db.QueryRow(ctx, chatSelect+" WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	chat.Participants, err = db.Participants(ctx, chat.RowID)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// ChatByID returns a chat by ROWID or ErrNotFound.
func (db *DB) ChatByID(ctx context.Context, id int64) (*Chat, error) {
	return db.chatWhere(ctx, "c.ROWID = $1", id)
}

// ChatByGUID returns a chat by guid or ErrNotFound.
func (db *DB) ChatByGUID(ctx context.Context, guid string) (*Chat, error) {
	return db.chatWhere(ctx, "c.guid = $1", guid)
}

func scanParticipant(row dbutil.Scannable) (chatID int64, p Participant, err error) {
	err = row.Scan(&chatID, &p.HandleID, &p.Identifier, &p.Service)
	p.DisplayName = p.Identifier
	return
}

const participantSelect = `
	SELECT chj.chat_id, h.ROWID, h.id, COALESCE(h.service, '')
	FROM handle h
	JOIN chat_handle_join chj ON h.ROWID = chj.handle_id
`

// Participants returns the handles in a chat. The caller's own handle is
// not listed.
func (db *DB) Participants(ctx context.Context, chatID int64) ([]Participant, error) {
	rows, err := db.db.Query(ctx, participantSelect+" WHERE chj.chat_id = $1 ORDER BY h.ROWID", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants of chat %d: %w", chatID, err)
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		_, p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) allParticipants(ctx context.Context) (map[int64][]Participant, error) {
	rows, err := db.db.Query(ctx, participantSelect+" ORDER BY chj.chat_id, h.ROWID")
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]Participant)
	for rows.Next() {
		chatID, p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out[chatID] = append(out[chatID], p)
	}
	return out, rows.Err()
}

// ReadStateSnapshot returns the last-read marker of every chat.
func (db *DB) ReadStateSnapshot(ctx context.Context) (map[int64]int64, error) {
	rows, err := db.db.Query(ctx, `SELECT c.ROWID, COALESCE(c.last_read_message_timestamp, 0) FROM chat c`)
	if err != nil {
		return nil, fmt.Errorf("failed to query read state: %w", err)
	}
	defer rows.Close()
	snapshot := make(map[int64]int64)
	for rows.Next() {
		var chatID, marker int64
		if err = rows.Scan(&chatID, &marker); err != nil {
			return nil, fmt.Errorf("failed to scan read state: %w", err)
		}
		snapshot[chatID] = marker
	}
	return snapshot, rows.Err()
}

// FindDirectChats returns the 1:1 chats whose participant matches any of
// the identifiers, newest chat first.
func (db *DB) FindDirectChats(ctx context.Context, identifiers []string) ([]DirectChat, error) {
	var out []DirectChat
	seen := make(map[int64]struct{})
	for _, identifier := range identifiers {
		needle := strings.TrimSpace(identifier)
		if needle == "" {
			continue
		}
		candidates := []string{needle}
		if identity.IsPhoneNumber(needle) {
			if normalized := identity.NormalizePhone(needle); !strings.EqualFold(normalized, needle) {
				candidates = append(candidates, normalized)
			}
		}
		for _, candidate := range candidates {
			rows, err := db.db.Query(ctx, `
				SELECT c.ROWID, c.guid, h.id
				FROM chat c
				JOIN chat_handle_join chj ON chj.chat_id = c.ROWID
				JOIN handle h ON h.ROWID = chj.handle_id
				WHERE c.style = 45
					AND (LOWER(h.id) = LOWER($1) OR h.id LIKE '%' || $1 || '%')
				ORDER BY c.ROWID DESC
			`, candidate)
			if err != nil {
				return nil, fmt.Errorf("failed to query direct chats: %w", err)
			}
			for rows.Next() {
				var dc DirectChat
				if err = rows.Scan(&dc.RowID, &dc.GUID, &dc.Identifier); err != nil {
					_ = rows.Close()
					return nil, fmt.Errorf("failed to scan direct chat: %w", err)
				}
				if _, dup := seen[dc.RowID]; dup || !identity.Same(dc.Identifier, candidate) {
					continue
				}
				seen[dc.RowID] = struct{}{}
				out = append(out, dc)
			}
			err = rows.Err()
			_ = rows.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate direct chats: %w", err)
			}
		}
	}
	slices.SortFunc(out, func(a, b DirectChat) int {
		return cmp.Compare(b.RowID, a.RowID)
	})
	return out, nil
}
