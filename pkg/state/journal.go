// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package state

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

type CommandStatus string

const (
	StatusQueued     CommandStatus = "queued"
	StatusSent       CommandStatus = "sent"
	StatusSucceeded  CommandStatus = "succeeded"
	StatusRejected   CommandStatus = "rejected"
	StatusTimeout    CommandStatus = "timeout"
	StatusNotRunning CommandStatus = "not_running"
	StatusAbandoned  CommandStatus = "abandoned"
)

// CommandRecord is one journaled executor command.
type CommandRecord struct {
	ID          string        `json:"id"`
	Action      string        `json:"action"`
	ChatGUID    string        `json:"chat_guid,omitempty"`
	MessageGUID string        `json:"message_guid,omitempty"`
	Status      CommandStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Deadline    time.Time     `json:"deadline"`
}

func (s *Store) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	var deadline int64
	if !rec.Deadline.IsZero() {
		deadline = rec.Deadline.UnixMilli()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO command_journal (id, action, chat_guid, message_guid, status, error, created_ts, updated_ts, deadline_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status=excluded.status,
			error=excluded.error,
			updated_ts=excluded.updated_ts,
			deadline_ts=excluded.deadline_ts
	`, rec.ID, rec.Action, rec.ChatGUID, rec.MessageGUID, string(rec.Status), rec.Error,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), deadline)
	if err != nil {
		return fmt.Errorf("failed to record command %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, id string, status CommandStatus, errMsg string) error {
	_, err := s.db.Exec(ctx, `UPDATE command_journal SET status=$2, error=$3, updated_ts=$4 WHERE id=$1`,
		id, string(status), errMsg, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update command %s: %w", id, err)
	}
	return nil
}

func scanCommand(row dbutil.Scannable) (*CommandRecord, error) {
	var rec CommandRecord
	var status string
	var created, updated, deadline int64
	err := row.Scan(&rec.ID, &rec.Action, &rec.ChatGUID, &rec.MessageGUID, &status, &rec.Error, &created, &updated, &deadline)
	if err != nil {
		return nil, err
	}
	rec.Status = CommandStatus(status)
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	if deadline > 0 {
		rec.Deadline = time.UnixMilli(deadline)
	}
	return &rec, nil
}

// RecentCommands returns the newest journal entries first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]*CommandRecord, error) {
	recs, err := dbutil.ConvertRowFn[*CommandRecord](scanCommand).NewRowIter(s.db.Query(ctx, `
		SELECT id, action, chat_guid, message_guid, status, error, created_ts, updated_ts, deadline_ts
		FROM command_journal
		ORDER BY created_ts DESC, rowid DESC
		LIMIT $1
	`, limit)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return recs, nil
}

// AbandonInFlight marks commands left queued or sent by a previous process
// as abandoned, and drops journal entries older than retention.
func (s *Store) AbandonInFlight(ctx context.Context, retention time.Duration) (abandoned int64, err error) {
	err = s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `UPDATE command_journal SET status=$1, updated_ts=$2 WHERE status IN ($3, $4)`,
			string(StatusAbandoned), time.Now().UnixMilli(), string(StatusQueued), string(StatusSent))
		if err != nil {
			return err
		}
		abandoned, _ = res.RowsAffected()
		if retention > 0 {
			_, err = s.db.Exec(ctx, `DELETE FROM command_journal WHERE created_ts < $1`, time.Now().Add(-retention).UnixMilli())
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up command journal: %w", err)
	}
	if abandoned > 0 {
		s.log.Warn().Int64("count", abandoned).Msg("Marked commands from a previous run as abandoned")
	}
	return abandoned, nil
}
