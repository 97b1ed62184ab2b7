// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reactions

import "strconv"

// SelfActor is the actor key used for tapbacks sent from this account.
const SelfActor = "me"

// Event is one tapback row in arrival order.
type Event struct {
	RowID    int64  `json:"message_rowid"`
	Target   string `json:"associated_message_guid"`
	Type     int    `json:"associated_message_type"`
	Emoji    string `json:"emoji,omitempty"`
	HandleID int64  `json:"handle_id"`
	Sender   string `json:"sender"`
	IsFromMe bool   `json:"is_from_me"`
}

// Actor returns the aggregation key for the event's author.
func (e Event) Actor() string {
	if e.IsFromMe {
		return SelfActor
	}
	if e.Sender != "" {
		return e.Sender
	}
	return "handle:" + strconv.FormatInt(e.HandleID, 10)
}

// Reaction is an active tapback on a message.
type Reaction struct {
	RowID    int64  `json:"message_rowid"`
	Type     int    `json:"associated_message_type"`
	Kind     Kind   `json:"kind"`
	Emoji    string `json:"emoji"`
	HandleID int64  `json:"handle_id"`
	Sender   string `json:"sender"`
	IsFromMe bool   `json:"is_from_me"`
}

type setKey struct {
	actor string
	kind  Kind
}

// Set holds the active reactions on a single message. Entries are keyed by
// (actor, kind) so an actor can never hold two reactions of the same kind.
// The zero value is ready to use.
type Set struct {
	order   []setKey
	entries map[setKey]Reaction
}

// NewSet seeds a set from an already aggregated list.
func NewSet(existing []Reaction) *Set {
	s := &Set{}
	for _, r := range existing {
		actor := r.Sender
		if r.IsFromMe {
			actor = SelfActor
		} else if actor == "" {
			actor = "handle:" + strconv.FormatInt(r.HandleID, 10)
		}
		s.put(setKey{actor, r.Kind}, r)
	}
	return s
}

func (s *Set) put(key setKey, r Reaction) {
	if s.entries == nil {
		s.entries = make(map[setKey]Reaction)
	}
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = r
}

// Apply folds one tapback event into the set. It returns false if the event
// is not a tapback.
func (s *Set) Apply(ev Event) bool {
	kind, ok := BaseKind(ev.Type)
	if !ok {
		return false
	}
	key := setKey{ev.Actor(), kind}
	if IsRemoval(ev.Type) {
		if _, exists := s.entries[key]; exists {
			delete(s.entries, key)
			for i, k := range s.order {
				if k == key {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		}
		return true
	}
	s.put(key, Reaction{
		RowID:    ev.RowID,
		Type:     ev.Type,
		Kind:     kind,
		Emoji:    EmojiFor(ev.Type, ev.Emoji),
		HandleID: ev.HandleID,
		Sender:   ev.Sender,
		IsFromMe: ev.IsFromMe,
	})
	return true
}

// List returns the active reactions in first-added order.
func (s *Set) List() []Reaction {
	out := make([]Reaction, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.entries[key])
	}
	return out
}

func (s *Set) Len() int {
	return len(s.order)
}

// Has reports whether the actor currently holds a reaction of the given kind.
func (s *Set) Has(actor string, kind Kind) bool {
	_, ok := s.entries[setKey{actor, kind}]
	return ok
}

// Aggregate replays tapback events in order and returns the active
// reactions per target message guid. Events with an unparseable target are
// skipped.
func Aggregate(events []Event) map[string][]Reaction {
	sets := make(map[string]*Set)
	for _, ev := range events {
		ref, ok := ParseTargetRef(ev.Target)
		if !ok {
			continue
		}
		set, exists := sets[ref.GUID]
		if !exists {
			set = &Set{}
			sets[ref.GUID] = set
		}
		set.Apply(ev)
	}
	out := make(map[string][]Reaction, len(sets))
	for guid, set := range sets {
		if set.Len() > 0 {
			out[guid] = set.List()
		}
	}
	return out
}
