// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package clientsync keeps a client's view of chats and messages in step
// with the server: cached data for a fast start, authoritative fetches, and
// live events applied in between.
package clientsync

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/events"
	"github.com/lrhodin/webmessages/pkg/identity"
	"github.com/lrhodin/webmessages/pkg/merge"
	"github.com/lrhodin/webmessages/pkg/reactions"
)

const (
	PageSize = 100

	OptimisticWindow          = 2 * time.Minute
	ScheduledOptimisticWindow = 10 * time.Minute

	tempGUIDPrefix = "temp-"
)

type Source string

const (
	SourceNone   Source = "none"
	SourceCache  Source = "cache"
	SourceServer Source = "server"
)

// MessagePage is one page of a chat's history as served by the API.
type MessagePage struct {
	Messages     []*chatdb.Message    `json:"messages"`
	Participants []chatdb.Participant `json:"participants,omitempty"`
}

type Fetcher interface {
	Chats(ctx context.Context) ([]*merge.LogicalChat, error)
	Messages(ctx context.Context, chatID int64, limit, offset int) (*MessagePage, error)
}

type Store struct {
	fetcher Fetcher
	cache   *Cache
	log     zerolog.Logger
	Now     func() time.Time

	lock         sync.Mutex
	chats        []*merge.LogicalChat
	source       Source
	messages     map[int64][]*chatdb.Message
	participants map[int64][]chatdb.Participant
	seen         map[string]struct{}
	active       int64
	loadGen      uint64
	tempSeq      int64
}

const syncChatsRefreshed = "chats_refreshed_at"

// NewStore creates a store. cache may be nil to run without persistence.
func NewStore(fetcher Fetcher, cache *Cache, log zerolog.Logger) *Store {
	return &Store{
		fetcher:      fetcher,
		cache:        cache,
		log:          log.With().Str("component", "client_sync").Logger(),
		Now:          time.Now,
		source:       SourceNone,
		messages:     make(map[int64][]*chatdb.Message),
		participants: make(map[int64][]chatdb.Participant),
		seen:         make(map[string]struct{}),
	}
}

func (s *Store) Source() Source {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.source
}

// Chats returns the chat list, most recently active first.
func (s *Store) Chats() []merge.LogicalChat {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]merge.LogicalChat, len(s.chats))
	for i, chat := range s.chats {
		out[i] = *chat
	}
	return out
}

func (s *Store) Chat(chatID int64) (merge.LogicalChat, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if idx := s.chatIndex(chatID); idx >= 0 {
		return *s.chats[idx], true
	}
	return merge.LogicalChat{}, false
}

func (s *Store) Messages(chatID int64) []chatdb.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	list := s.messages[s.resolve(chatID)]
	out := make([]chatdb.Message, len(list))
	for i, msg := range list {
		out[i] = *msg
	}
	return out
}

func (s *Store) Participants(chatID int64) []chatdb.Participant {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.participants[s.resolve(chatID)])
}

func (s *Store) ActiveChat() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.active
}

// chatIndex finds the merged chat that contains the given chat id.
func (s *Store) chatIndex(chatID int64) int {
	return slices.IndexFunc(s.chats, func(chat *merge.LogicalChat) bool {
		return chat.RowID == chatID || slices.Contains(chat.BackingIDs, chatID)
	})
}

// resolve maps a backing chat id to the id the store files its messages
// under. Unknown ids map to themselves.
func (s *Store) resolve(chatID int64) int64 {
	if idx := s.chatIndex(chatID); idx >= 0 {
		return s.chats[idx].RowID
	}
	return chatID
}

// LoadCachedChats fills the chat list from the persisted cache unless
// server data has already arrived.
func (s *Store) LoadCachedChats() {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.Chats()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read cached chats")
		return
	}
	if len(cached) == 0 {
		return
	}
	slices.SortStableFunc(cached, func(a, b *merge.LogicalChat) int {
		return cmp.Compare(b.LastMessageDate(), a.LastMessageDate())
	})
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.source == SourceServer {
		return
	}
	s.chats = cached
	s.source = SourceCache
}

// SetServerChats replaces the chat list with server data. A cached display
// name survives when the server only has a raw phone number or address.
func (s *Store) SetServerChats(chats []*merge.LogicalChat) {
	s.lock.Lock()
	names := make(map[int64]string, len(s.chats))
	for _, chat := range s.chats {
		if chat.DisplayName != "" {
			names[chat.RowID] = chat.DisplayName
		}
	}
	for _, chat := range chats {
		cached, ok := names[chat.RowID]
		if ok && (chat.DisplayName == "" || identity.LooksUnresolved(chat.DisplayName)) {
			chat.DisplayName = cached
		}
	}
	s.chats = chats
	s.source = SourceServer
	now := s.Now()
	s.lock.Unlock()
	s.persist(func(c *Cache) error {
		if err := c.PutChats(chats); err != nil {
			return err
		}
		return c.SetSyncState(syncChatsRefreshed, now.UTC().Format(time.RFC3339Nano))
	})
}

// CachedChatsAge returns how long ago the cached chat list was last
// replaced with server data, or false if the cache never saw server data.
func (s *Store) CachedChatsAge() (time.Duration, bool) {
	if s.cache == nil {
		return 0, false
	}
	value, ok, err := s.cache.SyncState(syncChatsRefreshed)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read chat list refresh time")
		return 0, false
	} else if !ok {
		return 0, false
	}
	refreshed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		s.log.Warn().Err(err).Str("value", value).Msg("Invalid chat list refresh time in cache")
		return 0, false
	}
	return s.Now().Sub(refreshed), true
}

// RefreshChatList fetches the chat list. A failed fetch leaves the current
// list untouched.
func (s *Store) RefreshChatList(ctx context.Context) error {
	chats, err := s.fetcher.Chats(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh chat list")
		return err
	}
	s.SetServerChats(chats)
	return nil
}

// LoadChat makes chatID the active chat, shows cached history if nothing
// is in memory yet, then fetches the latest page. The fetched page is
// dropped if another chat was opened while it was in flight.
func (s *Store) LoadChat(ctx context.Context, chatID int64) error {
	s.lock.Lock()
	s.active = chatID
	s.loadGen++
	gen := s.loadGen
	s.clearUnreadLocked(chatID)
	key := s.resolve(chatID)
	empty := len(s.messages[key]) == 0
	s.lock.Unlock()

	if empty && s.cache != nil {
		s.loadFromCache(key, gen)
	}

	page, err := s.fetcher.Messages(ctx, chatID, PageSize, 0)
	if err != nil {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to load chat")
		return err
	}
	s.lock.Lock()
	if s.loadGen != gen || s.active != chatID {
		s.lock.Unlock()
		s.log.Debug().Int64("chat_id", chatID).Msg("Discarding chat fetch after navigation")
		return nil
	}
	key = s.resolve(chatID)
	s.messages[key] = page.Messages
	s.markSeenLocked(page.Messages)
	if page.Participants != nil {
		s.participants[key] = page.Participants
	}
	s.lock.Unlock()

	s.persist(func(c *Cache) error { return c.PutMessages(key, page.Messages) })
	if page.Participants != nil {
		s.persist(func(c *Cache) error { return c.PutParticipants(key, page.Participants) })
	}
	return nil
}

func (s *Store) loadFromCache(key int64, gen uint64) {
	cached, err := s.cache.Messages(key, PageSize)
	if err != nil {
		s.log.Warn().Err(err).Int64("chat_id", key).Msg("Failed to read cached messages")
	}
	participants, err := s.cache.Participants(key)
	if err != nil {
		s.log.Warn().Err(err).Int64("chat_id", key).Msg("Failed to read cached participants")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.loadGen != gen {
		return
	}
	if len(cached) > 0 {
		s.messages[key] = cached
	}
	if len(participants) > 0 {
		s.participants[key] = participants
	}
}

func (s *Store) ClearActiveChat() {
	s.lock.Lock()
	s.active = 0
	s.loadGen++
	s.lock.Unlock()
}

// LoadOlder pages older history in front of what is loaded, from the cache
// first and then the server.
func (s *Store) LoadOlder(ctx context.Context, chatID, oldestDate int64, currentCount int) (hasMore bool, err error) {
	key := s.Resolve(chatID)
	var cached []*chatdb.Message
	if s.cache != nil {
		cached, err = s.cache.MessagesBefore(key, oldestDate, PageSize)
		if err != nil {
			s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to read older cached messages")
			cached = nil
		}
	}
	if len(cached) > 0 {
		s.prepend(key, cached)
		if len(cached) >= PageSize {
			return true, nil
		}
	}
	page, err := s.fetcher.Messages(ctx, chatID, PageSize, currentCount+len(cached))
	if err != nil {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to load older messages")
		return false, err
	}
	if len(page.Messages) > 0 {
		s.prepend(key, page.Messages)
		s.persist(func(c *Cache) error { return c.PutMessages(key, page.Messages) })
	}
	return len(page.Messages) >= PageSize, nil
}

func (s *Store) Resolve(chatID int64) int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.resolve(chatID)
}

func (s *Store) prepend(key int64, older []*chatdb.Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	existing := s.messages[key]
	fresh := make([]*chatdb.Message, 0, len(older))
	for _, msg := range older {
		if indexByGUID(existing, msg.GUID) < 0 && indexByGUID(fresh, msg.GUID) < 0 {
			fresh = append(fresh, msg)
		}
	}
	if len(fresh) == 0 {
		return
	}
	s.messages[key] = append(fresh, existing...)
	s.markSeenLocked(fresh)
}

// HandleNewMessages applies a new-message batch. Messages for chats the
// store does not know trigger a chat list refresh and a reload of the
// active chat.
func (s *Store) HandleNewMessages(ctx context.Context, items []events.NewMessage) {
	unknown := false
	for _, item := range items {
		if item.Message == nil {
			continue
		}
		if !s.ApplyIncoming(item.ChatID, item.Message) {
			unknown = true
		}
	}
	if !unknown {
		return
	}
	if err := s.RefreshChatList(ctx); err != nil {
		return
	}
	if active := s.ActiveChat(); active != 0 {
		_ = s.LoadChat(ctx, active)
	}
}

// ApplyIncoming folds one authoritative message into the store. It
// reports whether the chat was known.
func (s *Store) ApplyIncoming(chatID int64, msg *chatdb.Message) bool {
	s.lock.Lock()
	known := s.chatIndex(chatID) >= 0
	key := s.resolve(chatID)
	var persist []*chatdb.Message
	switch msg.Kind() {
	case chatdb.KindReactionAdd, chatdb.KindReactionRemove:
		if updated := s.applyReactionLocked(key, msg); updated != nil {
			persist = append(persist, updated)
		}
	case chatdb.KindEditMarker:
		if updated := s.applyEditMarkerLocked(key, msg); updated != nil {
			persist = append(persist, updated)
		}
	default:
		s.matchOptimisticLocked(key, msg)
		if s.upsertLocked(key, msg) {
			s.touchChatLocked(key, msg)
			if !msg.IsFromMe && key != s.resolve(s.active) {
				s.incrementUnreadLocked(key)
			}
		}
		persist = append(persist, msg)
	}
	s.lock.Unlock()
	s.persist(func(c *Cache) error { return c.PutMessages(key, persist) })
	return known
}

func (s *Store) applyReactionLocked(key int64, msg *chatdb.Message) *chatdb.Message {
	if msg.AssociatedMessageGUID == nil {
		return nil
	}
	ref, ok := reactions.ParseTargetRef(*msg.AssociatedMessageGUID)
	if !ok {
		return nil
	}
	return s.updateMessageLocked(key, ref.GUID, func(target *chatdb.Message) bool {
		set := reactions.NewSet(target.Reactions)
		if !set.Apply(msg.ReactionEvent()) {
			return false
		}
		target.Reactions = set.List()
		return true
	})
}

func (s *Store) applyEditMarkerLocked(key int64, msg *chatdb.Message) *chatdb.Message {
	if msg.AssociatedMessageGUID == nil {
		return nil
	}
	ref, ok := reactions.ParseTargetRef(*msg.AssociatedMessageGUID)
	body := msg.TrimmedBody()
	if !ok || body == "" {
		return nil
	}
	return s.setBodyLocked(key, ref.GUID, msg.Body, msg.Date)
}

// matchOptimisticLocked drops at most one optimistic copy of a message the
// server has now confirmed. Two identical texts sent within the window can
// match each other's copies; that is accepted.
func (s *Store) matchOptimisticLocked(key int64, incoming *chatdb.Message) bool {
	if !incoming.IsFromMe {
		return false
	}
	body := incoming.TrimmedBody()
	if body == "" {
		return false
	}
	window := OptimisticWindow
	if incoming.ScheduleType == chatdb.ScheduleTypeSendLater {
		window = ScheduledOptimisticWindow
	}
	list := s.messages[key]
	idx := slices.IndexFunc(list, func(m *chatdb.Message) bool {
		if !m.IsFromMe || m.RowID >= 0 || m.ScheduleType != incoming.ScheduleType {
			return false
		}
		if m.TrimmedBody() != body {
			return false
		}
		diff := m.Date - incoming.Date
		return max(diff, -diff) < window.Milliseconds()
	})
	if idx < 0 {
		return false
	}
	s.messages[key] = slices.Delete(slices.Clone(list), idx, idx+1)
	return true
}

// upsertLocked inserts msg in date order or replaces the stored copy with
// the same guid. It reports whether the message was new to the store.
func (s *Store) upsertLocked(key int64, msg *chatdb.Message) bool {
	list := slices.Clone(s.messages[key])
	if idx := indexByGUID(list, msg.GUID); idx >= 0 {
		list[idx] = msg
		s.messages[key] = list
		return false
	}
	pos := len(list)
	for pos > 0 && list[pos-1].Date > msg.Date {
		pos--
	}
	s.messages[key] = slices.Insert(list, pos, msg)
	_, seen := s.seen[msg.GUID]
	s.seen[msg.GUID] = struct{}{}
	return !seen
}

func (s *Store) markSeenLocked(msgs []*chatdb.Message) {
	for _, msg := range msgs {
		s.seen[msg.GUID] = struct{}{}
	}
}

// touchChatLocked makes msg the chat's last message and moves the chat to
// the top of the list.
func (s *Store) touchChatLocked(key int64, msg *chatdb.Message) {
	idx := s.chatIndex(key)
	if idx < 0 {
		return
	}
	updated := *s.chats[idx]
	updated.LastMessage = msg
	rest := slices.Delete(slices.Clone(s.chats), idx, idx+1)
	s.chats = append([]*merge.LogicalChat{&updated}, rest...)
}

func (s *Store) updateChatLocked(chatID int64, fn func(chat *merge.LogicalChat) bool) {
	idx := s.chatIndex(chatID)
	if idx < 0 {
		return
	}
	updated := *s.chats[idx]
	if !fn(&updated) {
		return
	}
	s.chats = slices.Clone(s.chats)
	s.chats[idx] = &updated
}

func (s *Store) incrementUnreadLocked(chatID int64) {
	s.updateChatLocked(chatID, func(chat *merge.LogicalChat) bool {
		chat.UnreadCount++
		return true
	})
}

func (s *Store) clearUnreadLocked(chatID int64) {
	s.updateChatLocked(chatID, func(chat *merge.LogicalChat) bool {
		if chat.UnreadCount == 0 {
			return false
		}
		chat.UnreadCount = 0
		return true
	})
}

func (s *Store) ClearUnread(chatID int64) {
	s.lock.Lock()
	s.clearUnreadLocked(chatID)
	s.lock.Unlock()
}

// HandleReadState zeroes the unread count of chats the server reports as
// read.
func (s *Store) HandleReadState(chatIDs []int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, id := range chatIDs {
		s.clearUnreadLocked(id)
	}
}

// updateMessageLocked replaces the message with a modified copy. fn
// returns false to leave the message unchanged.
func (s *Store) updateMessageLocked(key int64, guid string, fn func(msg *chatdb.Message) bool) *chatdb.Message {
	list := s.messages[key]
	idx := indexByGUID(list, guid)
	if idx < 0 {
		return nil
	}
	updated := *list[idx]
	if !fn(&updated) {
		return nil
	}
	list = slices.Clone(list)
	list[idx] = &updated
	s.messages[key] = list
	if chatIdx := s.chatIndex(key); chatIdx >= 0 {
		if last := s.chats[chatIdx].LastMessage; last != nil && last.GUID == guid {
			s.touchChatLocked(key, &updated)
		}
	}
	return &updated
}

func (s *Store) setBodyLocked(key int64, guid, body string, editedAt int64) *chatdb.Message {
	return s.updateMessageLocked(key, guid, func(msg *chatdb.Message) bool {
		msg.Text = &body
		msg.Body = body
		msg.DateEdited = &editedAt
		return true
	})
}

// AddOptimistic shows an outgoing message before the server confirms it.
func (s *Store) AddOptimistic(chatID int64, text string, scheduleType int) chatdb.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tempSeq++
	msg := &chatdb.Message{
		RowID:        -s.tempSeq,
		GUID:         tempGUIDPrefix + uuid.NewString(),
		Text:         &text,
		Body:         text,
		IsFromMe:     true,
		Date:         s.Now().UnixMilli(),
		ScheduleType: scheduleType,
		ChatID:       chatID,
		Pending:      true,
	}
	key := s.resolve(chatID)
	s.messages[key] = append(slices.Clone(s.messages[key]), msg)
	return *msg
}

// RemoveOptimistic drops an optimistic message after its send failed.
func (s *Store) RemoveOptimistic(chatID int64, guid string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := s.resolve(chatID)
	list := s.messages[key]
	if idx := indexByGUID(list, guid); idx >= 0 {
		s.messages[key] = slices.Delete(slices.Clone(list), idx, idx+1)
	}
}

func (s *Store) ApplyLocalEdit(chatID int64, guid, text string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.setBodyLocked(s.resolve(chatID), guid, text, s.Now().UnixMilli())
}

func (s *Store) ApplyLocalUnsend(chatID int64, guid string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.Now().UnixMilli()
	s.updateMessageLocked(s.resolve(chatID), guid, func(msg *chatdb.Message) bool {
		empty := ""
		msg.DateRetracted = &now
		msg.Text = &empty
		msg.Body = ""
		return true
	})
}

func (s *Store) persist(fn func(c *Cache) error) {
	if s.cache == nil {
		return
	}
	if err := fn(s.cache); err != nil {
		s.log.Warn().Err(err).Msg("Failed to update client cache")
	}
}

func indexByGUID(list []*chatdb.Message, guid string) int {
	return slices.IndexFunc(list, func(m *chatdb.Message) bool { return m.GUID == guid })
}
