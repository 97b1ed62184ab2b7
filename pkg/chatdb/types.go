// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatdb

import (
	"strings"

	"github.com/lrhodin/webmessages/pkg/reactions"
)

// Chat styles as stored in chat.style.
const (
	StyleGroup  = 43
	StyleDirect = 45
)

// Schedule columns for "Send Later" rows.
const (
	ScheduleTypeSendLater = 2

	ScheduleStatePending   = 2
	ScheduleStateDelivered = 3
)

const ServiceIMessage = "iMessage"

type Kind int

const (
	KindNormal Kind = iota
	KindReactionAdd
	KindReactionRemove
	KindEditMarker
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindReactionAdd:
		return "reaction-add"
	case KindReactionRemove:
		return "reaction-remove"
	case KindEditMarker:
		return "edit-marker"
	case KindSystem:
		return "system"
	default:
		return "normal"
	}
}

// Message is one row of the message table with its dates converted to Unix
// milliseconds and its body resolved from text or attributedBody.
type Message struct {
	RowID                  int64                `json:"rowid"`
	GUID                   string               `json:"guid"`
	Text                   *string              `json:"text"`
	Body                   string               `json:"body"`
	HandleID               int64                `json:"handle_id"`
	Service                string               `json:"service"`
	IsFromMe               bool                 `json:"is_from_me"`
	Date                   int64                `json:"date"`
	DateRead               *int64               `json:"date_read"`
	DateDelivered          *int64               `json:"date_delivered"`
	DateRetracted          *int64               `json:"date_retracted"`
	DateEdited             *int64               `json:"date_edited"`
	IsDelivered            bool                 `json:"is_delivered"`
	IsSent                 bool                 `json:"is_sent"`
	IsRead                 bool                 `json:"is_read"`
	CacheHasAttachments    bool                 `json:"cache_has_attachments"`
	AssociatedMessageType  int                  `json:"associated_message_type"`
	AssociatedMessageGUID  *string              `json:"associated_message_guid"`
	AssociatedMessageEmoji *string              `json:"associated_message_emoji"`
	ThreadOriginatorGUID   *string              `json:"thread_originator_guid"`
	ThreadOriginatorPart   *string              `json:"thread_originator_part"`
	GroupTitle             *string              `json:"group_title"`
	GroupActionType        int                  `json:"group_action_type"`
	ItemType               int                  `json:"item_type"`
	OtherHandle            int64                `json:"other_handle"`
	BalloonBundleID        *string              `json:"balloon_bundle_id,omitempty"`
	ScheduleType           int                  `json:"schedule_type"`
	ScheduleState          int                  `json:"schedule_state"`
	ChatID                 int64                `json:"chat_id"`
	ChatGUID               string               `json:"chat_guid,omitempty"`
	Sender                 string               `json:"sender,omitempty"`
	SenderName             string               `json:"sender_name,omitempty"`
	Attachments            []Attachment         `json:"attachments,omitempty"`
	Reactions              []reactions.Reaction `json:"reactions,omitempty"`
	Pending                bool                 `json:"pending,omitempty"`
}

func (m *Message) Kind() Kind {
	switch {
	case reactions.IsAdd(m.AssociatedMessageType):
		return KindReactionAdd
	case reactions.IsRemoval(m.AssociatedMessageType):
		return KindReactionRemove
	case m.AssociatedMessageType == reactions.EditMarkerType:
		return KindEditMarker
	case m.ItemType != 0 && m.GroupActionType == 0 && m.GroupTitle == nil:
		return KindSystem
	default:
		return KindNormal
	}
}

func (m *Message) IsRetracted() bool {
	return m.DateRetracted != nil && *m.DateRetracted > 0
}

// IsPendingScheduled reports whether the row is a Send Later message that
// has not been delivered yet.
func (m *Message) IsPendingScheduled() bool {
	return m.ScheduleType == ScheduleTypeSendLater && m.ScheduleState == ScheduleStatePending
}

func (m *Message) IsAppMessage() bool {
	return m.BalloonBundleID != nil && *m.BalloonBundleID != ""
}

// ReactionEvent converts a tapback row into an aggregation event.
func (m *Message) ReactionEvent() reactions.Event {
	ev := reactions.Event{
		RowID:    m.RowID,
		Type:     m.AssociatedMessageType,
		HandleID: m.HandleID,
		Sender:   m.Sender,
		IsFromMe: m.IsFromMe,
	}
	if m.AssociatedMessageGUID != nil {
		ev.Target = *m.AssociatedMessageGUID
	}
	if m.AssociatedMessageEmoji != nil {
		ev.Emoji = *m.AssociatedMessageEmoji
	}
	return ev
}

// TrimmedBody is the body used when matching optimistic copies.
func (m *Message) TrimmedBody() string {
	return strings.TrimSpace(m.Body)
}

type Participant struct {
	HandleID    int64  `json:"handle_id"`
	Identifier  string `json:"handle_identifier"`
	DisplayName string `json:"display_name"`
	Service     string `json:"service"`
}

type Chat struct {
	RowID          int64         `json:"rowid"`
	GUID           string        `json:"guid"`
	ChatIdentifier string        `json:"chat_identifier"`
	DisplayName    string        `json:"display_name"`
	ServiceName    string        `json:"service_name"`
	Style          int           `json:"style"`
	IsArchived     bool          `json:"is_archived"`
	UnreadCount    int           `json:"unread_count"`
	LastMessage    *Message      `json:"last_message,omitempty"`
	Participants   []Participant `json:"participants,omitempty"`
}

func (c *Chat) IsDirect() bool {
	return c.Style == StyleDirect
}

// LastMessageDate returns the last message's date or 0 if the chat is empty.
func (c *Chat) LastMessageDate() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Date
}

type Attachment struct {
	RowID          int64  `json:"rowid"`
	GUID           string `json:"guid"`
	Filename       string `json:"filename,omitempty"`
	MIMEType       string `json:"mime_type,omitempty"`
	UTI            string `json:"uti,omitempty"`
	TransferName   string `json:"transfer_name,omitempty"`
	TotalBytes     int64  `json:"total_bytes"`
	IsOutgoing     bool   `json:"is_outgoing"`
	IsSticker      bool   `json:"is_sticker"`
	HideAttachment bool   `json:"hide_attachment"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

type DirectChat struct {
	RowID      int64  `json:"rowid"`
	GUID       string `json:"guid"`
	Identifier string `json:"handle_identifier"`
}

// Eligibility holds the deadlines for editing and unsending a sent message.
type Eligibility struct {
	EditExpiresAt   int64 `json:"editExpiresAt"`
	UnsendExpiresAt int64 `json:"unsendExpiresAt"`
}
