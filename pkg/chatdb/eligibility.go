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
	"fmt"
	"time"
)

// The windows Messages itself enforces for editing and unsending.
const (
	EditWindow   = 15 * time.Minute
	UnsendWindow = 2 * time.Minute
)

// EligibilityOf computes the edit and unsend deadlines of a message. ok is
// false for messages that can never be edited or unsent: anything not sent
// by us over iMessage, app messages, unsent rows and retracted rows.
func EligibilityOf(msg *Message) (el Eligibility, ok bool) {
	if !msg.IsFromMe || msg.Service != ServiceIMessage || !msg.IsSent || msg.IsAppMessage() || msg.IsRetracted() {
		return Eligibility{}, false
	}
	return Eligibility{
		EditExpiresAt:   msg.Date + EditWindow.Milliseconds(),
		UnsendExpiresAt: msg.Date + UnsendWindow.Milliseconds(),
	}, true
}

// EditableMessages returns the deadlines of every sent message that is
// still inside the edit window at now, keyed by guid.
func (db *DB) EditableMessages(ctx context.Context, now time.Time) (map[string]Eligibility, error) {
	rows, err := db.db.Query(ctx, `
		SELECT m.guid, m.date, COALESCE(m.is_sent, 0), COALESCE(m.balloon_bundle_id, '')
		FROM message m
		WHERE m.is_from_me = 1
			AND m.service = 'iMessage'
			AND COALESCE(m.date_retracted, 0) = 0
			AND m.date > $1
		ORDER BY m.date DESC
	`, TimeToApple(now.Add(-EditWindow)))
	if err != nil {
		return nil, fmt.Errorf("failed to query editable messages: %w", err)
	}
	defer rows.Close()
	out := make(map[string]Eligibility)
	for rows.Next() {
		var msg Message
		var date int64
		var sent int
		var balloon string
		if err = rows.Scan(&msg.GUID, &date, &sent, &balloon); err != nil {
			return nil, fmt.Errorf("failed to scan editable message: %w", err)
		}
		msg.Date = AppleToUnixMs(date)
		msg.IsFromMe = true
		msg.IsSent = sent != 0
		msg.Service = ServiceIMessage
		if balloon != "" {
			msg.BalloonBundleID = &balloon
		}
		if el, ok := EligibilityOf(&msg); ok {
			out[msg.GUID] = el
		}
	}
	return out, rows.Err()
}
