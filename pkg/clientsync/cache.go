// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package clientsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/merge"
)

// Key layout:
//
//	chat/<chat id>                      merged chat JSON
//	msg/<chat id>/<date>/<guid>         message JSON
//	guid/<chat id>/<guid>               key of the message's msg/ entry
//	part/<chat id>                      participant list JSON
//	sync/<key>                          free-form sync state
//
// Numbers are zero padded so byte order matches numeric order.
const (
	prefixChat        = "chat/"
	prefixMessage     = "msg/"
	prefixGUID        = "guid/"
	prefixParticipant = "part/"
	prefixSync        = "sync/"
)

// Cache is the persisted warm-start copy of what the store has seen. It is
// only a hint: data fetched from the server always replaces it.
type Cache struct {
	db  *pebble.DB
	log zerolog.Logger
}

func OpenCache(path string, log zerolog.Logger) (*Cache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", path, err)
	}
	return &Cache{db: db, log: log.With().Str("component", "client_cache").Logger()}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func chatKey(chatID int64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefixChat, chatID)
}

func messagePrefix(chatID int64) []byte {
	return fmt.Appendf(nil, "%s%020d/", prefixMessage, chatID)
}

func messageKey(chatID int64, msg *chatdb.Message) []byte {
	return fmt.Appendf(messagePrefix(chatID), "%020d/%s", max(msg.Date, 0), msg.GUID)
}

func guidKey(chatID int64, guid string) []byte {
	return fmt.Appendf(nil, "%s%020d/%s", prefixGUID, chatID, guid)
}

func participantKey(chatID int64) []byte {
	return fmt.Appendf(nil, "%s%020d", prefixParticipant, chatID)
}

// upperBound returns the smallest key greater than every key with the prefix.
func upperBound(prefix []byte) []byte {
	end := slices.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (c *Cache) PutChats(chats []*merge.LogicalChat) error {
	batch := c.db.NewBatch()
	defer batch.Close()
	for _, chat := range chats {
		data, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat %d: %w", chat.RowID, err)
		}
		if err = batch.Set(chatKey(chat.RowID), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// Chats returns every cached chat in key order.
func (c *Cache) Chats() ([]*merge.LogicalChat, error) {
	var out []*merge.LogicalChat
	err := c.scan([]byte(prefixChat), false, 0, nil, func(_, value []byte) error {
		var chat merge.LogicalChat
		if err := json.Unmarshal(value, &chat); err != nil {
			return err
		}
		out = append(out, &chat)
		return nil
	})
	return out, err
}

// PutMessages stores messages under their current date. A message whose
// date changed, as an edit can do, replaces its entry under the old date.
func (c *Cache) PutMessages(chatID int64, msgs []*chatdb.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := c.db.NewIndexedBatch()
	defer batch.Close()
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message %s: %w", msg.GUID, err)
		}
		key, idx := messageKey(chatID, msg), guidKey(chatID, msg.GUID)
		prev, closer, err := batch.Get(idx)
		if err == nil {
			stale := !bytes.Equal(prev, key)
			prevKey := slices.Clone(prev)
			_ = closer.Close()
			if stale {
				if err = batch.Delete(prevKey, nil); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		if err = batch.Set(key, data, nil); err != nil {
			return err
		}
		if err = batch.Set(idx, key, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// Messages returns the newest limit cached messages of a chat in ascending
// date order.
func (c *Cache) Messages(chatID int64, limit int) ([]*chatdb.Message, error) {
	return c.MessagesBefore(chatID, -1, limit)
}

// MessagesBefore returns up to limit cached messages dated before the given
// Unix millisecond timestamp, in ascending date order. A negative before
// means no upper limit.
func (c *Cache) MessagesBefore(chatID, before int64, limit int) ([]*chatdb.Message, error) {
	prefix := messagePrefix(chatID)
	var upper []byte
	if before >= 0 {
		upper = fmt.Appendf(slices.Clone(prefix), "%020d", before)
	}
	var out []*chatdb.Message
	err := c.scan(prefix, true, limit, upper, func(_, value []byte) error {
		var msg chatdb.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return err
		}
		out = append(out, &msg)
		return nil
	})
	slices.Reverse(out)
	return out, err
}

func (c *Cache) PutParticipants(chatID int64, participants []chatdb.Participant) error {
	data, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	return c.db.Set(participantKey(chatID), data, pebble.NoSync)
}

func (c *Cache) Participants(chatID int64) ([]chatdb.Participant, error) {
	var out []chatdb.Participant
	ok, err := c.getJSON(participantKey(chatID), &out)
	if !ok {
		return nil, err
	}
	return out, err
}

func (c *Cache) SetSyncState(key, value string) error {
	return c.db.Set([]byte(prefixSync+key), []byte(value), pebble.Sync)
}

func (c *Cache) SyncState(key string) (string, bool, error) {
	value, closer, err := c.db.Get([]byte(prefixSync + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(value), true, nil
}

func (c *Cache) getJSON(key []byte, into any) (bool, error) {
	value, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer closer.Close()
	if err = json.Unmarshal(value, into); err != nil {
		return false, fmt.Errorf("failed to parse cached %s: %w", key, err)
	}
	return true, nil
}

// scan visits keys under prefix. When upper is set it replaces the
// prefix's own upper bound. A positive limit stops after that many keys.
func (c *Cache) scan(prefix []byte, reverse bool, limit int, upper []byte, fn func(key, value []byte) error) error {
	if upper == nil {
		upper = upperBound(prefix)
	}
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	valid, step := iter.First, iter.Next
	if reverse {
		valid, step = iter.Last, iter.Prev
	}
	n := 0
	for ok := valid(); ok; ok = step() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err = fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return iter.Error()
}
