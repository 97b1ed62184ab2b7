// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/identity"
)

const pinErrorLogInterval = 30 * time.Second

// ExtractFunc returns the JSON form of one key path of a plist file.
type ExtractFunc func(ctx context.Context, keyPath, path string) ([]byte, error)

func plutilExtract(ctx context.Context, keyPath, path string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "plutil", "-extract", keyPath, "json", "-o", "-", path).Output()
	if err != nil {
		return nil, fmt.Errorf("plutil -extract %s: %w", keyPath, err)
	}
	return out, nil
}

// DefaultPinPath returns the location of the Messages pinning preferences.
func DefaultPinPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Preferences", "com.apple.messages.pinning.plist")
}

// PinIndex maps canonical identifiers to their pin position. The plist is
// re-read only when its modification time changes.
type PinIndex struct {
	Path    string
	Extract ExtractFunc
	log     zerolog.Logger

	lock       sync.Mutex
	mtime      time.Time
	loaded     bool
	ranks      map[string]int
	lastErrLog time.Time
}

func NewPinIndex(path string, log zerolog.Logger) *PinIndex {
	return &PinIndex{
		Path:    path,
		Extract: plutilExtract,
		log:     log.With().Str("component", "pins").Logger(),
	}
}

// Ranks returns the current identifier to rank map. The map must not be
// modified by the caller.
func (p *PinIndex) Ranks(ctx context.Context) map[string]int {
	if p == nil || p.Path == "" {
		return nil
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	info, err := os.Stat(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		p.ranks, p.loaded = nil, false
		return nil
	} else if err != nil {
		p.logError(err)
		return p.ranks
	}
	if p.loaded && info.ModTime().Equal(p.mtime) {
		return p.ranks
	}
	pinned, err := p.read(ctx)
	if err != nil {
		p.logError(err)
	}
	p.ranks = rankIdentifiers(pinned)
	p.mtime = info.ModTime()
	p.loaded = true
	return p.ranks
}

func (p *PinIndex) read(ctx context.Context) ([]string, error) {
	raw, err := p.Extract(ctx, "pD.pP", p.Path)
	if err != nil {
		// Some releases store the list at the root.
		var fallbackErr error
		raw, fallbackErr = p.Extract(ctx, "pP", p.Path)
		if fallbackErr != nil {
			return nil, errors.Join(err, fallbackErr)
		}
	}
	var payload any
	if err = json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse pinned chats: %w", err)
	}
	return PinnedIdentifiers(payload), nil
}

func (p *PinIndex) logError(err error) {
	if time.Since(p.lastErrLog) < pinErrorLogInterval {
		return
	}
	p.lastErrLog = time.Now()
	p.log.Warn().Err(err).Str("path", p.Path).Msg("Failed to read pinned chats")
}

// PinnedIdentifiers flattens the strings of a pin list in document order.
// It accepts either the list itself or the whole preferences document.
func PinnedIdentifiers(payload any) []string {
	var out []string
	var add func(entry any)
	add = func(entry any) {
		switch v := entry.(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				out = append(out, trimmed)
			}
		case []any:
			for _, item := range v {
				add(item)
			}
		case map[string]any:
			// JSON objects have no order; sort keys so ranks are stable.
			for _, key := range sortedKeys(v) {
				add(v[key])
			}
		}
	}
	switch v := payload.(type) {
	case []any:
		add(v)
	case map[string]any:
		if pD, ok := v["pD"].(map[string]any); ok {
			if pP, ok := pD["pP"].([]any); ok {
				add(pP)
			}
		}
	}
	return out
}

func rankIdentifiers(pinned []string) map[string]int {
	ranks := make(map[string]int, len(pinned))
	for i, id := range pinned {
		key := identity.Canonical(id)
		if key == "" {
			continue
		}
		if _, exists := ranks[key]; !exists {
			ranks[key] = i
		}
	}
	return ranks
}
