// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package reactions interprets tapback rows (associated_message_type
// 2000-2006 and 3000-3006) and folds them into the set of reactions that
// are currently active on each message.
package reactions

import (
	"regexp"
	"strconv"
)

// Kind is the base tapback kind, independent of add/remove direction.
type Kind int

const (
	Love Kind = iota
	Like
	Dislike
	Laugh
	Emphasize
	Question
	Emoji
)

type kindInfo struct {
	kind   Kind
	name   string
	add    int
	remove int
	emoji  string
}

// Every tapback kind with its add and remove codes. A remove code is not
// derived from its add code anywhere else; this table is the only place
// the two are related.
var kindTable = []kindInfo{
	{Love, "love", 2000, 3000, "❤️"},
	{Like, "like", 2001, 3001, "👍"},
	{Dislike, "dislike", 2002, 3002, "👎"},
	{Laugh, "laugh", 2003, 3003, "😂"},
	{Emphasize, "emphasize", 2004, 3004, "‼️"},
	{Question, "question", 2005, 3005, "❓"},
	{Emoji, "emoji", 2006, 3006, ""},
}

var (
	byAdd    = make(map[int]kindInfo, len(kindTable))
	byRemove = make(map[int]kindInfo, len(kindTable))
)

func init() {
	for _, info := range kindTable {
		byAdd[info.add] = info
		byRemove[info.remove] = info
	}
}

// EditMarkerType is the associated_message_type of an edit notification row.
const EditMarkerType = 1000

// IsReaction reports whether the associated_message_type is a tapback add or remove.
func IsReaction(assocType int) bool {
	return IsAdd(assocType) || IsRemoval(assocType)
}

func IsAdd(assocType int) bool {
	_, ok := byAdd[assocType]
	return ok
}

func IsRemoval(assocType int) bool {
	_, ok := byRemove[assocType]
	return ok
}

// BaseKind returns the kind of a tapback add or remove code.
func BaseKind(assocType int) (Kind, bool) {
	if info, ok := byAdd[assocType]; ok {
		return info.kind, true
	} else if info, ok = byRemove[assocType]; ok {
		return info.kind, true
	}
	return 0, false
}

// AddVariant maps a remove code to the add code it cancels. Add codes map
// to themselves.
func AddVariant(assocType int) (int, bool) {
	if info, ok := byRemove[assocType]; ok {
		return info.add, true
	} else if _, ok = byAdd[assocType]; ok {
		return assocType, true
	}
	return 0, false
}

// AddCode returns the associated_message_type used to add a tapback of the given kind.
func (k Kind) AddCode() int {
	if k < 0 || int(k) >= len(kindTable) {
		return 0
	}
	return kindTable[k].add
}

// RemoveCode returns the associated_message_type used to remove a tapback of the given kind.
func (k Kind) RemoveCode() int {
	if k < 0 || int(k) >= len(kindTable) {
		return 0
	}
	return kindTable[k].remove
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindTable) {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindTable[k].name
}

// DefaultEmoji returns the emoji the Messages app renders for a tapback
// code. Custom emoji tapbacks return "" since the emoji is stored on the row.
func DefaultEmoji(assocType int) string {
	if info, ok := byAdd[assocType]; ok {
		return info.emoji
	} else if info, ok = byRemove[assocType]; ok {
		return info.emoji
	}
	return ""
}

// EmojiFor picks the custom emoji when the row carries one and the default
// emoji for the kind otherwise.
func EmojiFor(assocType int, custom string) string {
	if custom != "" {
		return custom
	}
	return DefaultEmoji(assocType)
}

// NormalizeRequestType accepts either a raw tapback code (2000-2006,
// 3000-3006) or the 0-6 shorthand used by clients and returns the code to
// send to the executor.
func NormalizeRequestType(requested int) (int, bool) {
	if IsReaction(requested) {
		return requested, true
	}
	if requested >= 0 && requested < len(kindTable) {
		return kindTable[requested].add, true
	}
	return 0, false
}

// TargetRef identifies the message part a tapback or edit row points at.
type TargetRef struct {
	Part int    `json:"part"`
	GUID string `json:"guid"`
}

var targetRefPattern = regexp.MustCompile(`^(?:bp:|p:(\d+)/)(.+)$`)

// ParseTargetRef parses associated_message_guid values of the form
// "p:<part>/<guid>" or "bp:<guid>".
func ParseTargetRef(raw string) (TargetRef, bool) {
	match := targetRefPattern.FindStringSubmatch(raw)
	if match == nil {
		return TargetRef{}, false
	}
	ref := TargetRef{GUID: match[2]}
	if match[1] != "" {
		part, err := strconv.Atoi(match[1])
		if err != nil {
			return TargetRef{}, false
		}
		ref.Part = part
	}
	return ref, true
}
