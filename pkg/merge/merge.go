// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package merge folds chat.db chats that belong to the same contact into
// one logical conversation and orders the result for display.
package merge

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/identity"
)

// LogicalChat is one conversation as shown to clients. The embedded chat
// holds the display fields of the most recently active backing chat.
type LogicalChat struct {
	chatdb.Chat
	PinRank      *int     `json:"pin_rank"`
	IsPinned     bool     `json:"is_pinned"`
	BackingIDs   []int64  `json:"backing_ids"`
	BackingGUIDs []string `json:"backing_guids"`
}

// PinSource provides canonical identifier to pin rank mappings.
type PinSource interface {
	Ranks(ctx context.Context) map[string]int
}

type Merger struct {
	contacts *identity.Directory
	pins     PinSource
}

func NewMerger(contacts *identity.Directory, pins PinSource) *Merger {
	return &Merger{contacts: contacts, pins: pins}
}

// Merge groups the chats and returns them sorted by pin rank, then by
// last message time. The input chats are not modified.
func (m *Merger) Merge(ctx context.Context, chats []*chatdb.Chat) []*LogicalChat {
	var ranks map[string]int
	if m.pins != nil {
		ranks = m.pins.Ranks(ctx)
	}
	byKey := make(map[string]*LogicalChat, len(chats))
	var order []*LogicalChat
	for _, raw := range chats {
		chat := m.prepare(raw)
		rank := pinRank(ranks, pinCandidates(&chat))
		key := m.groupKey(&chat)
		existing, ok := byKey[key]
		if !ok {
			lc := &LogicalChat{
				Chat:         chat,
				PinRank:      rank,
				IsPinned:     rank != nil,
				BackingIDs:   []int64{chat.RowID},
				BackingGUIDs: []string{chat.GUID},
			}
			byKey[key] = lc
			order = append(order, lc)
			continue
		}
		existing.absorb(&chat, rank)
	}
	slices.SortStableFunc(order, compareForDisplay)
	return order
}

func (m *Merger) prepare(raw *chatdb.Chat) chatdb.Chat {
	chat := *raw
	chat.Participants = slices.Clone(raw.Participants)
	for i := range chat.Participants {
		chat.Participants[i].DisplayName = m.contacts.DisplayName(chat.Participants[i].Identifier)
	}
	chat.DisplayName = m.displayName(&chat)
	return chat
}

func (m *Merger) displayName(chat *chatdb.Chat) string {
	if chat.DisplayName != "" {
		return chat.DisplayName
	}
	switch n := len(chat.Participants); {
	case n == 1:
		return m.contacts.DisplayName(chat.Participants[0].Identifier)
	case n > 1:
		names := make([]string, 0, 3)
		for _, p := range chat.Participants[:min(n, 3)] {
			names = append(names, p.DisplayName)
		}
		label := strings.Join(names, ", ")
		if n > 3 {
			label += " + " + strconv.Itoa(n-3)
		}
		return label
	default:
		return m.contacts.DisplayName(chat.ChatIdentifier)
	}
}

// groupKey is the sorted set of identities the sole participant of a
// direct chat is known by. Group chats and direct chats without a usable
// participant are keyed by their own row id.
func (m *Merger) groupKey(chat *chatdb.Chat) string {
	own := "chat:" + strconv.FormatInt(chat.RowID, 10)
	if !chat.IsDirect() || len(chat.Participants) != 1 {
		return own
	}
	related := m.contacts.Related(chat.Participants[0].Identifier)
	if len(related) == 0 {
		return own
	}
	return "direct:" + strings.Join(related, "|")
}

func (lc *LogicalChat) absorb(chat *chatdb.Chat, rank *int) {
	lc.UnreadCount += chat.UnreadCount
	if rank != nil && (lc.PinRank == nil || *rank < *lc.PinRank) {
		lc.PinRank = rank
		lc.IsPinned = true
	}
	lc.Participants = unionParticipants(lc.Participants, chat.Participants)
	if !slices.Contains(lc.BackingIDs, chat.RowID) {
		lc.BackingIDs = append(lc.BackingIDs, chat.RowID)
	}
	if !slices.Contains(lc.BackingGUIDs, chat.GUID) {
		lc.BackingGUIDs = append(lc.BackingGUIDs, chat.GUID)
	}
	if chat.LastMessageDate() > lc.LastMessageDate() {
		unread, participants := lc.UnreadCount, lc.Participants
		lc.Chat = *chat
		lc.UnreadCount, lc.Participants = unread, participants
	}
}

func unionParticipants(existing, incoming []chatdb.Participant) []chatdb.Participant {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, p := range existing {
		seen[strings.ToLower(p.Identifier)] = struct{}{}
	}
	out := existing
	for _, p := range incoming {
		key := strings.ToLower(p.Identifier)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func pinCandidates(chat *chatdb.Chat) []string {
	var out []string
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	add(chat.ChatIdentifier)
	add(chat.GUID)
	if parts := strings.Split(chat.GUID, ";"); len(parts) >= 3 {
		add(parts[len(parts)-1])
	}
	// Handle pins only ever refer to 1:1 conversations.
	if chat.IsDirect() {
		for _, p := range chat.Participants {
			add(p.Identifier)
		}
	}
	return out
}

func pinRank(ranks map[string]int, candidates []string) *int {
	if len(ranks) == 0 {
		return nil
	}
	var best *int
	for _, candidate := range candidates {
		rank, ok := ranks[identity.Canonical(candidate)]
		if ok && (best == nil || rank < *best) {
			best = &rank
		}
	}
	return best
}

func compareForDisplay(a, b *LogicalChat) int {
	if c := cmpRank(a.PinRank, b.PinRank); c != 0 {
		return c
	}
	return cmp.Compare(b.LastMessageDate(), a.LastMessageDate())
}

func cmpRank(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return cmp.Compare(*a, *b)
	}
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
