// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package events fans live updates out to event stream subscribers.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/metrics"
)

// Sink receives encoded frames. A sink that returns an error is dropped.
type Sink interface {
	WriteFrame(frame []byte) error
}

type SinkFunc func(frame []byte) error

func (f SinkFunc) WriteFrame(frame []byte) error {
	return f(frame)
}

// Forwarder receives every locally published event, for relaying to other
// processes.
type Forwarder interface {
	Forward(evt Event)
}

type client struct {
	id   string
	sink Sink
}

type Hub struct {
	lock    sync.Mutex
	clients []client

	forwarder Forwarder
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewHub(log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		log:     log.With().Str("component", "event_hub").Logger(),
	}
}

func (h *Hub) SetForwarder(f Forwarder) {
	h.lock.Lock()
	h.forwarder = f
	h.lock.Unlock()
}

// AddClient registers a sink and returns its id.
func (h *Hub) AddClient(sink Sink) string {
	id := uuid.NewString()
	h.lock.Lock()
	h.clients = append(h.clients, client{id: id, sink: sink})
	n := len(h.clients)
	h.lock.Unlock()
	h.metrics.SetSubscribers(n)
	h.log.Debug().Str("client_id", id).Int("clients", n).Msg("Client connected")
	return id
}

func (h *Hub) RemoveClient(id string) {
	h.lock.Lock()
	removed := h.removeLocked(id)
	n := len(h.clients)
	h.lock.Unlock()
	if removed {
		h.metrics.SetSubscribers(n)
		h.log.Debug().Str("client_id", id).Int("clients", n).Msg("Client disconnected")
	}
}

func (h *Hub) removeLocked(id string) bool {
	for i, c := range h.clients {
		if c.id == id {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Hub) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Publish delivers the event to every client and to the forwarder.
func (h *Hub) Publish(evt Event) {
	h.PublishLocal(evt)
	h.lock.Lock()
	fwd := h.forwarder
	h.lock.Unlock()
	if fwd != nil {
		fwd.Forward(evt)
	}
}

// PublishLocal delivers the event to this process's clients only. Clients
// whose write fails are removed before it returns.
func (h *Hub) PublishLocal(evt Event) {
	frame, err := Frame(evt)
	if err != nil {
		h.log.Err(err).Msg("Failed to encode event")
		return
	}
	h.lock.Lock()
	targets := make([]client, len(h.clients))
	copy(targets, h.clients)
	h.lock.Unlock()

	var failed []string
	for _, c := range targets {
		if err = c.sink.WriteFrame(frame); err != nil {
			h.log.Debug().Err(err).Str("client_id", c.id).Msg("Dropping client after failed write")
			failed = append(failed, c.id)
		}
	}
	h.metrics.EventPublished(string(evt.Type))
	if len(failed) == 0 {
		return
	}
	h.lock.Lock()
	for _, id := range failed {
		if h.removeLocked(id) {
			h.metrics.SubscriberDropped()
		}
	}
	n := len(h.clients)
	h.lock.Unlock()
	h.metrics.SetSubscribers(n)
}
