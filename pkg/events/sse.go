// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

const (
	PingInterval = 15 * time.Second
	WriteTimeout = 5 * time.Second
)

var errStreamClosed = errors.New("event stream closed")

// streamSink writes frames to one HTTP response. Writes from Publish and
// the ping loop are serialized, and nothing is written once the handler
// has returned.
type streamSink struct {
	lock    sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool
	failed  chan struct{}
}

func (s *streamSink) WriteFrame(frame []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.writeLocked(frame)
}

func (s *streamSink) writeLocked(frame []byte) error {
	if s.closed {
		return errStreamClosed
	}
	// Not every ResponseWriter supports deadlines; a stalled write then
	// relies on the server's own timeouts.
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
	_, err := s.w.Write(frame)
	if err == nil {
		err = s.rc.Flush()
	}
	if err != nil {
		s.closed = true
		close(s.failed)
	}
	return err
}

func (s *streamSink) close() {
	s.lock.Lock()
	if !s.closed {
		s.closed = true
		close(s.failed)
	}
	s.lock.Unlock()
}

// ServeSSE streams events to one client until the request ends or a write
// fails. The first frame is a connected event carrying the client id.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, PingInterval)
}

func (h *Hub) serveSSE(w http.ResponseWriter, r *http.Request, pingInterval time.Duration) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &streamSink{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: WriteTimeout,
		failed:  make(chan struct{}),
	}
	// Hold the sink until the connected frame is out so no published event
	// can overtake it.
	sink.lock.Lock()
	id := h.AddClient(sink)
	defer func() {
		sink.close()
		h.RemoveClient(id)
	}()
	frame, err := Frame(Event{Type: TypeConnected, Payload: ConnectedPayload{ID: id}})
	if err == nil {
		err = sink.writeLocked(frame)
	}
	sink.lock.Unlock()
	if err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sink.failed:
			return
		case <-ping.C:
			if sink.WriteFrame([]byte(": ping\n\n")) != nil {
				return
			}
		}
	}
}
