// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package watcher polls chat.db for new rows and read-state changes and
// publishes them as live events.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/events"
	"github.com/lrhodin/webmessages/pkg/identity"
	"github.com/lrhodin/webmessages/pkg/metrics"
	"github.com/lrhodin/webmessages/pkg/reactions"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultDebounce = 250 * time.Millisecond

	CursorName = "message_rowid"
)

type Store interface {
	RowsSince(ctx context.Context, seq int64) ([]*chatdb.Message, error)
	MaxSeq(ctx context.Context) (int64, error)
	ReadStateSnapshot(ctx context.Context) (map[int64]int64, error)
	AttachmentsByMessage(ctx context.Context, messageRowID int64) ([]chatdb.Attachment, error)
}

type CursorStore interface {
	Cursor(ctx context.Context, name string) (int64, bool, error)
	SetCursor(ctx context.Context, name string, value int64) error
}

type Publisher interface {
	Publish(evt events.Event)
}

type AttachmentProber interface {
	Probe(att *chatdb.Attachment)
}

type Watcher struct {
	store     Store
	cursors   CursorStore
	publisher Publisher
	contacts  *identity.Directory
	prober    AttachmentProber
	metrics   *metrics.Metrics
	log       zerolog.Logger

	Interval time.Duration
	Debounce time.Duration
	// WatchDir is the directory of chat.db. When set, writes to the
	// database or its WAL wake the watcher before the next interval.
	WatchDir string

	cursor      int64
	initialized bool
	readState   map[int64]int64
}

func New(store Store, cursors CursorStore, publisher Publisher, log zerolog.Logger) *Watcher {
	return &Watcher{
		store:     store,
		cursors:   cursors,
		publisher: publisher,
		log:       log.With().Str("component", "watcher").Logger(),
		Interval:  DefaultInterval,
		Debounce:  DefaultDebounce,
	}
}

func (w *Watcher) SetContacts(dir *identity.Directory) {
	w.contacts = dir
}

func (w *Watcher) SetProber(p AttachmentProber) {
	w.prober = p
}

func (w *Watcher) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

func (w *Watcher) Cursor() int64 {
	return w.cursor
}

// Init loads the starting cursor. A saved cursor wins; otherwise the
// watcher starts at the current end of the table and replays nothing.
func (w *Watcher) Init(ctx context.Context) error {
	if w.initialized {
		return nil
	}
	if w.cursors != nil {
		saved, ok, err := w.cursors.Cursor(ctx, CursorName)
		if err != nil {
			return err
		} else if ok {
			w.cursor = saved
			w.initialized = true
			w.log.Info().Int64("cursor", saved).Msg("Resuming from saved cursor")
			return nil
		}
	}
	maxSeq, err := w.store.MaxSeq(ctx)
	if err != nil {
		return err
	}
	w.cursor = maxSeq
	w.initialized = true
	w.log.Info().Int64("cursor", maxSeq).Msg("Starting from current end of message table")
	return nil
}

// Tick runs one poll: new rows first, then read state. It returns the
// number of new rows picked up.
func (w *Watcher) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := w.tick(ctx)
	w.metrics.WatcherTick(time.Since(start), n, w.cursor, err)
	return n, err
}

func (w *Watcher) tick(ctx context.Context) (int, error) {
	if err := w.Init(ctx); err != nil {
		return 0, fmt.Errorf("failed to initialize cursor: %w", err)
	}
	n, err := w.pollMessages(ctx)
	if err != nil {
		return 0, err
	}
	if err = w.pollReadState(ctx); err != nil {
		return n, err
	}
	return n, nil
}

func (w *Watcher) pollMessages(ctx context.Context) (int, error) {
	rows, err := w.store.RowsSince(ctx, w.cursor)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	items := make([]events.NewMessage, 0, len(rows))
	maxSeq := w.cursor
	for _, msg := range rows {
		w.enrich(ctx, msg)
		items = append(items, events.NewMessage{ChatID: msg.ChatID, Message: msg})
		maxSeq = max(maxSeq, msg.RowID)
	}
	w.publisher.Publish(events.NewMessages(items))

	prev := w.cursor
	w.cursor = maxSeq
	if w.cursors != nil && maxSeq > prev {
		if err = w.cursors.SetCursor(ctx, CursorName, maxSeq); err != nil {
			w.log.Warn().Err(err).Int64("cursor", maxSeq).Msg("Failed to save cursor")
		}
	}
	w.log.Debug().Int("rows", len(rows)).Int64("cursor", maxSeq).Msg("Published new messages")
	return len(rows), nil
}

func (w *Watcher) enrich(ctx context.Context, msg *chatdb.Message) {
	if !msg.IsFromMe && msg.Sender != "" && msg.SenderName == "" {
		msg.SenderName = w.contacts.DisplayName(msg.Sender)
	}
	if msg.CacheHasAttachments && msg.Attachments == nil {
		atts, err := w.store.AttachmentsByMessage(ctx, msg.RowID)
		if err != nil {
			w.log.Warn().Err(err).Str("guid", msg.GUID).Msg("Failed to load attachments for new message")
		} else {
			if w.prober != nil {
				for i := range atts {
					w.prober.Probe(&atts[i])
				}
			}
			msg.Attachments = atts
		}
	}
	if reactions.IsReaction(msg.AssociatedMessageType) {
		custom := ptr.Val(msg.AssociatedMessageEmoji)
		if emoji := reactions.EmojiFor(msg.AssociatedMessageType, custom); emoji != "" {
			msg.AssociatedMessageEmoji = &emoji
		}
	}
}

func (w *Watcher) pollReadState(ctx context.Context) error {
	snapshot, err := w.store.ReadStateSnapshot(ctx)
	if err != nil {
		return err
	}
	prev := w.readState
	w.readState = snapshot
	if prev == nil {
		return nil
	}
	changed := DiffReadState(prev, snapshot)
	if len(changed) > 0 {
		w.publisher.Publish(events.ReadState(changed))
	}
	return nil
}

// DiffReadState returns the ids of chats whose last-read marker differs
// between the snapshots, including chats present in only one of them.
func DiffReadState(prev, next map[int64]int64) []int64 {
	var changed []int64
	for id, marker := range next {
		if old, ok := prev[id]; !ok || old != marker {
			changed = append(changed, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed
}

// Run ticks until ctx is done. Ticks never overlap: interval ticks and
// file change wakeups are handled by the same goroutine.
func (w *Watcher) Run(ctx context.Context) {
	wake, closeWatch := w.watchFiles()
	defer closeWatch()

	w.runTick(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			debounce = nil
			w.runTick(ctx)
		case <-wake:
			if debounce == nil {
				debounce = time.After(w.Debounce)
			}
		case <-debounce:
			debounce = nil
			w.runTick(ctx)
			ticker.Reset(w.Interval)
		}
	}
}

func (w *Watcher) runTick(ctx context.Context) {
	if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
		w.log.Err(err).Msg("Watcher poll failed")
	}
}

func (w *Watcher) watchFiles() (<-chan struct{}, func()) {
	if w.WatchDir == "" {
		return nil, func() {}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to create file watcher, falling back to polling only")
		return nil, func() {}
	}
	if err = fsw.Add(w.WatchDir); err != nil {
		w.log.Warn().Err(err).Str("dir", w.WatchDir).Msg("Failed to watch chat.db directory, falling back to polling only")
		_ = fsw.Close()
		return nil, func() {}
	}
	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case evt, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !isDatabaseWrite(evt) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Debug().Err(err).Msg("File watcher error")
			}
		}
	}()
	return wake, func() { _ = fsw.Close() }
}

func isDatabaseWrite(evt fsnotify.Event) bool {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return false
	}
	switch filepath.Base(evt.Name) {
	case "chat.db", "chat.db-wal":
		return true
	default:
		return false
	}
}
