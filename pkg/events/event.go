// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lrhodin/webmessages/pkg/chatdb"
)

type Type string

const (
	TypeConnected     Type = "connected"
	TypeNewMessage    Type = "new-message"
	TypeChatReadState Type = "chat-read-state"
)

// Event is one live update. Payload is marshaled as the SSE data line.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

type ConnectedPayload struct {
	ID string `json:"id"`
}

type NewMessage struct {
	ChatID  int64           `json:"chatId"`
	Message *chatdb.Message `json:"message"`
}

type ReadStatePayload struct {
	ChatIDs []int64 `json:"chatIds"`
}

func NewMessages(items []NewMessage) Event {
	return Event{Type: TypeNewMessage, Payload: items}
}

func ReadState(chatIDs []int64) Event {
	return Event{Type: TypeChatReadState, Payload: ReadStatePayload{ChatIDs: chatIDs}}
}

// Frame encodes the event as "event: <type>\ndata: <json>\n\n".
func Frame(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", evt.Type, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + len(evt.Type) + 16)
	buf.WriteString("event: ")
	buf.WriteString(string(evt.Type))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
