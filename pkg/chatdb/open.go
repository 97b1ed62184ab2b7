// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chatdb reads the Messages store (chat.db). The database is owned
// by the Messages daemon; it is only ever opened read-only here.
package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied reading chat.db (Full Disk Access not granted?)")
)

// DB is a read-only handle on chat.db.
type DB struct {
	db   *dbutil.Database
	path string
	log  zerolog.Logger
}

// DefaultPath returns ~/Library/Messages/chat.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, "Library", "Messages", "chat.db"), nil
}

// Open opens chat.db read-only and probes it with a trivial query so that
// a missing Full Disk Access grant is reported up front instead of on the
// first real query.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	log = log.With().Str("component", "chatdb").Logger()
	if _, err := os.Stat(path); err != nil {
		if isPermissionError(err) {
			return nil, fmt.Errorf("%w: %w", ErrPermission, err)
		}
		return nil, fmt.Errorf("chat.db not found at %s: %w", path, err)
	}
	rawDB, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}
	wrapped, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap chat.db: %w", err)
	}
	wrapped.Log = dbutil.ZeroLogger(log)
	db := &DB{db: wrapped, path: path, log: log}
	if err = db.Probe(ctx); err != nil {
		_ = wrapped.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("chat.db is accessible")
	return db, nil
}

// Probe runs a test query against the message table.
func (db *DB) Probe(ctx context.Context) error {
	var one int
	err := db.db.QueryRow(ctx, "SELECT 1 FROM message LIMIT 1").Scan(&one)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if isPermissionError(err) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return fmt.Errorf("chat.db test query failed: %w", err)
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Close() error {
	return db.db.Close()
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "authorization denied")
}

// IsPermissionError reports whether err means chat.db could not be read
// because the process lacks Full Disk Access.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermission) || isPermissionError(err)
}
