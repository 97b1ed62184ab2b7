// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"context"
	"time"
)

const (
	DefaultVerifyTimeout  = 7 * time.Second
	DefaultVerifyInterval = 250 * time.Millisecond
)

// Verifier polls the database after a command until its effect is visible.
type Verifier struct {
	Timeout  time.Duration
	Interval time.Duration
}

var DefaultVerifier = Verifier{Timeout: DefaultVerifyTimeout, Interval: DefaultVerifyInterval}

// PollUntil evaluates check immediately and then every interval until it
// returns true or timeout elapses. It returns false if the deadline passed
// or ctx was cancelled first.
func PollUntil(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check(ctx) {
			return true
		}
		wait := min(interval, time.Until(deadline))
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
	return false
}

func (v Verifier) Verify(ctx context.Context, check func(ctx context.Context) bool) bool {
	timeout, interval := v.Timeout, v.Interval
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	return PollUntil(ctx, timeout, interval, check)
}
