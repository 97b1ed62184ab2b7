// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/lrhodin/webmessages/pkg/events"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultOfflineAfter   = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Manager keeps a live event stream open against a webmessages server and
// dispatches its events to registered callbacks. Callbacks run on the stream
// goroutine one at a time.
type Manager struct {
	URL            string
	HTTP           *http.Client
	ReconnectDelay time.Duration
	OfflineAfter   time.Duration

	log zerolog.Logger

	lock         sync.Mutex
	state        State
	offline      bool
	offlineTimer *time.Timer
	cancel       context.CancelFunc
	done         chan struct{}

	stop *exsync.Event

	onConnected   []func(ctx context.Context)
	onNewMessages []func(ctx context.Context, items []events.NewMessage)
	onReadState   []func(ctx context.Context, chatIDs []int64)
	onState       []func(state State, offline bool)
}

// NewManager creates a manager for the stream at url, normally
// <server>/api/events.
func NewManager(url string, log zerolog.Logger) *Manager {
	return &Manager{
		URL:            url,
		HTTP:           &http.Client{},
		ReconnectDelay: DefaultReconnectDelay,
		OfflineAfter:   DefaultOfflineAfter,
		log:            log.With().Str("component", "connection").Logger(),
		stop:           exsync.NewEvent(),
	}
}

// OnConnected registers a callback for every successful (re)connection.
// This is where clients run catch-up.
func (m *Manager) OnConnected(fn func(ctx context.Context)) {
	m.onConnected = append(m.onConnected, fn)
}

func (m *Manager) OnNewMessages(fn func(ctx context.Context, items []events.NewMessage)) {
	m.onNewMessages = append(m.onNewMessages, fn)
}

func (m *Manager) OnReadState(fn func(ctx context.Context, chatIDs []int64)) {
	m.onReadState = append(m.onReadState, fn)
}

// OnStateChange registers a callback for state and offline flag changes.
// The offline transition fires from a timer goroutine.
func (m *Manager) OnStateChange(fn func(state State, offline bool)) {
	m.onState = append(m.onState, fn)
}

func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Offline reports whether the stream has been down for longer than
// OfflineAfter without reconnecting.
func (m *Manager) Offline() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.offline
}

// Start launches the connection loop. It returns immediately; calling it
// more than once or after Close does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.done != nil || m.stop.IsSet() {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop tears down the stream and any pending reconnect without waiting for
// the connection loop to exit. Callbacks must use Stop rather than Close,
// since they run on the loop goroutine that Close waits for.
func (m *Manager) Stop() {
	m.lock.Lock()
	m.stop.Set()
	cancel := m.cancel
	if m.offlineTimer != nil {
		m.offlineTimer.Stop()
		m.offlineTimer = nil
	}
	m.lock.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops the manager and waits until no callback is running and none
// will run again. It is safe to call multiple times, but must not be called
// from a callback; use Stop there.
func (m *Manager) Close() {
	m.Stop()
	m.lock.Lock()
	done := m.done
	m.lock.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		m.setState(StateConnecting)
		err := m.stream(ctx)
		if m.stop.IsSet() || ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.log.Warn().Err(err).Dur("retry_in", m.ReconnectDelay).Msg("Event stream disconnected")
		m.disconnected()
		select {
		case <-time.After(m.ReconnectDelay):
		case <-m.stop.GetChan():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	parser := NewParser(resp.Body)
	for {
		frame, err := parser.Next()
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		} else if err != nil {
			return err
		}
		m.dispatch(ctx, frame)
	}
}

func (m *Manager) dispatch(ctx context.Context, frame Frame) {
	switch events.Type(frame.Event) {
	case events.TypeConnected:
		m.connected()
		for _, fn := range m.onConnected {
			fn(ctx)
		}
	case events.TypeNewMessage:
		var items []events.NewMessage
		if err := json.Unmarshal([]byte(frame.Data), &items); err != nil {
			m.log.Warn().Err(err).Msg("Failed to parse new-message event")
			return
		}
		for _, fn := range m.onNewMessages {
			fn(ctx, items)
		}
	case events.TypeChatReadState:
		var payload events.ReadStatePayload
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			m.log.Warn().Err(err).Msg("Failed to parse chat-read-state event")
			return
		}
		for _, fn := range m.onReadState {
			fn(ctx, payload.ChatIDs)
		}
	default:
		m.log.Trace().Str("event", frame.Event).Msg("Ignoring unknown event")
	}
}

func (m *Manager) connected() {
	m.lock.Lock()
	m.state = StateConnected
	m.offline = false
	if m.offlineTimer != nil {
		m.offlineTimer.Stop()
		m.offlineTimer = nil
	}
	m.lock.Unlock()
	m.log.Debug().Msg("Event stream connected")
	m.notify()
}

func (m *Manager) disconnected() {
	m.lock.Lock()
	m.state = StateDisconnected
	if m.offlineTimer == nil && !m.offline && !m.stop.IsSet() {
		m.offlineTimer = time.AfterFunc(m.OfflineAfter, m.markOffline)
	}
	m.lock.Unlock()
	m.notify()
}

func (m *Manager) markOffline() {
	m.lock.Lock()
	if m.stop.IsSet() || m.state == StateConnected {
		m.lock.Unlock()
		return
	}
	m.offline = true
	m.offlineTimer = nil
	m.lock.Unlock()
	m.log.Warn().Msg("Server unreachable, marking offline")
	m.notify()
}

func (m *Manager) setState(state State) {
	m.lock.Lock()
	changed := m.state != state
	m.state = state
	m.lock.Unlock()
	if changed {
		m.notify()
	}
}

func (m *Manager) notify() {
	m.lock.Lock()
	state, offline := m.state, m.offline
	m.lock.Unlock()
	for _, fn := range m.onState {
		fn(state, offline)
	}
}
