// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package state is the server's own small SQLite database. It holds the
// change watcher's cursor and a journal of commands sent to the executor.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// Open opens (creating if needed) the state database at path and makes
// sure its schema is current.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "state").Logger()
	rawDB, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap state database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log)
	s := &Store{db: db, log: log}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_cursor (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS command_journal (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			chat_guid TEXT NOT NULL DEFAULT '',
			message_guid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS command_journal_created_idx ON command_journal (created_ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure state schema: %w", err)
		}
	}

	// Migration: add deadline_ts column if missing
	var hasDeadline int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('command_journal') WHERE name='deadline_ts'`).Scan(&hasDeadline)
	if hasDeadline == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE command_journal ADD COLUMN deadline_ts BIGINT NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add deadline_ts column: %w", err)
		}
	}
	return nil
}

// Cursor returns the stored value of a named cursor. ok is false if the
// cursor was never saved.
func (s *Store) Cursor(ctx context.Context, name string) (value int64, ok bool, err error) {
	err = s.db.QueryRow(ctx, `SELECT value FROM sync_cursor WHERE name=$1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor %s: %w", name, err)
	}
	return value, true, nil
}

// SetCursor saves a cursor. The stored value never moves backwards.
func (s *Store) SetCursor(ctx context.Context, name string, value int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_cursor (name, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			value=MAX(sync_cursor.value, excluded.value),
			updated_ts=excluded.updated_ts
	`, name, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}
