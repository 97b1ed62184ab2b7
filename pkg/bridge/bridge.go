// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bridge sends commands to the out-of-process executor that drives
// the Messages frameworks. Every command, including scheduled-message CLI
// calls and AppleScript sends, goes through one FIFO queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/state"
)

// Journal records command lifecycle. *state.Store implements it.
type Journal interface {
	RecordCommand(ctx context.Context, rec *state.CommandRecord) error
	UpdateCommandStatus(ctx context.Context, id string, status state.CommandStatus, errMsg string) error
}

// ResultFunc is called once per finished executor command.
type ResultFunc func(action Action, err error, elapsed time.Duration)

type job struct {
	ctx  context.Context
	name string
	run  func(ctx context.Context) error
	done chan error
}

type Bridge struct {
	transport Transport
	probe     LivenessProbe
	journal   Journal
	log       zerolog.Logger

	// RetryDelay is the pause before the single mark_read retry.
	RetryDelay time.Duration
	// ProbeInterval is how often liveness is rechecked while waiting.
	ProbeInterval time.Duration
	// TimeoutFor overrides Action.Timeout, mostly for tests.
	TimeoutFor func(Action) time.Duration
	OnResult   ResultFunc

	queue    chan *job
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a bridge. probe and journal may be nil.
func New(transport Transport, probe LivenessProbe, journal Journal, log zerolog.Logger) *Bridge {
	return &Bridge{
		transport:     transport,
		probe:         probe,
		journal:       journal,
		log:           log.With().Str("component", "bridge").Logger(),
		RetryDelay:    250 * time.Millisecond,
		ProbeInterval: time.Second,
		TimeoutFor:    Action.Timeout,
		queue:         make(chan *job, 64),
		stop:          make(chan struct{}),
	}
}

func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Stop ends the worker. Queued jobs that have not started fail with ErrStopped.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.failQueued()
}

func (b *Bridge) failQueued() {
	for {
		select {
		case j := <-b.queue:
			j.done <- ErrStopped
		default:
			return
		}
	}
}

func (b *Bridge) loop() {
	defer b.wg.Done()
	for {
		// Stop wins over queued work.
		select {
		case <-b.stop:
			b.failQueued()
			return
		default:
		}
		select {
		case <-b.stop:
			b.failQueued()
			return
		case j := <-b.queue:
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			j.done <- b.runJob(j)
		}
	}
}

func (b *Bridge) runJob(j *job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().Any("panic", p).Str("job", j.name).Msg("Bridge job panicked")
			err = fmt.Errorf("bridge job %s panicked: %v", j.name, p)
		}
	}()
	return j.run(j.ctx)
}

// Enqueue runs fn on the bridge worker after every previously queued job
// has finished, and waits for its result.
func (b *Bridge) Enqueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, name: name, run: fn, done: make(chan error, 1)}
	select {
	case <-b.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case b.queue <- j:
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// The worker still owns the job and will drain it.
		return ctx.Err()
	case <-b.stop:
		// The job may have been queued after the worker exited. Wait for a
		// running job to finish so its result is not lost.
		b.wg.Wait()
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Send queues a command for the executor and waits for its verdict. A
// success=false answer is returned as *RejectedError alongside the response.
func (b *Bridge) Send(ctx context.Context, cmd Command) (*Response, error) {
	var resp *Response
	err := b.Enqueue(ctx, string(cmd.Action), func(ctx context.Context) error {
		var err error
		resp, err = b.exchange(ctx, &cmd)
		if cmd.Action == ActionMarkRead && IsTransportFailure(err) && !errors.Is(err, ErrNotRunning) && ctx.Err() == nil {
			b.log.Debug().Err(err).Str("chat_guid", cmd.ChatGUID).Msg("Retrying mark_read")
			select {
			case <-time.After(b.RetryDelay):
			case <-ctx.Done():
				return err
			}
			cmd.ID = ""
			resp, err = b.exchange(ctx, &cmd)
		}
		return err
	})
	return resp, err
}

func (b *Bridge) running(ctx context.Context) bool {
	if b.probe == nil {
		return true
	}
	ok, err := b.probe.Running(ctx)
	if err != nil {
		b.log.Debug().Err(err).Msg("Liveness probe failed, assuming executor is running")
		return true
	}
	return ok
}

func (b *Bridge) journalRecord(ctx context.Context, cmd *Command, status state.CommandStatus, deadline time.Time) {
	if b.journal == nil {
		return
	}
	err := b.journal.RecordCommand(ctx, &state.CommandRecord{
		ID:          cmd.ID,
		Action:      string(cmd.Action),
		ChatGUID:    cmd.ChatGUID,
		MessageGUID: cmd.MessageGUID,
		Status:      status,
		Deadline:    deadline,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to journal command")
	}
}

func (b *Bridge) journalStatus(cmd *Command, status state.CommandStatus, err error) {
	if b.journal == nil {
		return
	}
	var msg string
	if err != nil {
		msg = err.Error()
	}
	// The request context may already be cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if jerr := b.journal.UpdateCommandStatus(ctx, cmd.ID, status, msg); jerr != nil {
		b.log.Warn().Err(jerr).Str("command_id", cmd.ID).Msg("Failed to update command journal")
	}
}

func statusFor(err error) state.CommandStatus {
	var rejected *RejectedError
	switch {
	case err == nil:
		return state.StatusSucceeded
	case errors.As(err, &rejected):
		return state.StatusRejected
	case errors.Is(err, ErrNotRunning):
		return state.StatusNotRunning
	case errors.Is(err, ErrTimeout):
		return state.StatusTimeout
	default:
		return state.StatusAbandoned
	}
}

func (b *Bridge) exchange(ctx context.Context, cmd *Command) (resp *Response, err error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	start := time.Now()
	timeout := b.TimeoutFor(cmd.Action)
	log := b.log.With().Str("command_id", cmd.ID).Str("action", string(cmd.Action)).Logger()
	defer func() {
		if b.OnResult != nil {
			b.OnResult(cmd.Action, err, time.Since(start))
		}
	}()

	b.journalRecord(ctx, cmd, state.StatusQueued, start.Add(timeout))
	if !b.running(ctx) {
		b.journalStatus(cmd, state.StatusNotRunning, ErrNotRunning)
		return nil, ErrNotRunning
	}

	waitCtx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer cancelTimeout()
	waitCtx, cancel := context.WithCancelCause(waitCtx)
	defer cancel(nil)
	if b.probe != nil {
		go b.watchLiveness(waitCtx, cancel)
	}

	b.journalStatus(cmd, state.StatusSent, nil)
	log.Debug().Str("chat_guid", cmd.ChatGUID).Str("message_guid", cmd.MessageGUID).Msg("Sending command to executor")
	resp, err = b.transport.Exchange(waitCtx, cmd)
	if err != nil {
		if cause := context.Cause(waitCtx); cause != nil && ctx.Err() == nil {
			err = cause
		}
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Command failed")
		b.journalStatus(cmd, statusFor(err), err)
		return nil, err
	}
	if !resp.Success {
		err = &RejectedError{Action: cmd.Action, Message: resp.Error}
		log.Info().Str("error", resp.Error).Msg("Executor rejected command")
		b.journalStatus(cmd, state.StatusRejected, err)
		return resp, err
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("Command succeeded")
	b.journalStatus(cmd, state.StatusSucceeded, nil)
	return resp, nil
}

func (b *Bridge) watchLiveness(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(b.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.running(ctx) && ctx.Err() == nil {
				cancel(ErrNotRunning)
				return
			}
		}
	}
}

func (b *Bridge) React(ctx context.Context, chatGUID, messageGUID string, reactionType int, partIndex *int) error {
	_, err := b.Send(ctx, Command{
		Action:       ActionReact,
		ChatGUID:     chatGUID,
		MessageGUID:  messageGUID,
		ReactionType: reactionType,
		PartIndex:    partIndex,
	})
	return err
}

func (b *Bridge) Unsend(ctx context.Context, chatGUID, messageGUID string, partIndex *int) error {
	_, err := b.Send(ctx, Command{Action: ActionUnsend, ChatGUID: chatGUID, MessageGUID: messageGUID, PartIndex: partIndex})
	return err
}

// DebugUnsend asks the executor to describe why an unsend could not take
// effect. The response fields are diagnostic only.
func (b *Bridge) DebugUnsend(ctx context.Context, chatGUID, messageGUID string, partIndex *int) (*Response, error) {
	return b.Send(ctx, Command{Action: ActionDebugUnsend, ChatGUID: chatGUID, MessageGUID: messageGUID, PartIndex: partIndex})
}

func (b *Bridge) Reply(ctx context.Context, chatGUID, messageGUID, text string, partIndex *int) error {
	_, err := b.Send(ctx, Command{Action: ActionReply, ChatGUID: chatGUID, MessageGUID: messageGUID, Text: text, PartIndex: partIndex})
	return err
}

func (b *Bridge) Edit(ctx context.Context, chatGUID, messageGUID, text string, partIndex *int) error {
	_, err := b.Send(ctx, Command{Action: ActionEdit, ChatGUID: chatGUID, MessageGUID: messageGUID, Text: text, PartIndex: partIndex})
	return err
}

func (b *Bridge) MarkRead(ctx context.Context, chatGUID string) error {
	_, err := b.Send(ctx, Command{Action: ActionMarkRead, ChatGUID: chatGUID})
	return err
}
