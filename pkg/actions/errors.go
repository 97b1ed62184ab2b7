// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package actions

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
	// ErrIneligible means the target exists but the action does not apply
	// to it, such as an unsend after the unsend window.
	ErrIneligible = errors.New("message is not eligible")
	// ErrNoEffect means the executor accepted the command but the store
	// never reflected it.
	ErrNoEffect = errors.New("command had no observable effect")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func ineligible(reason string) error {
	return fmt.Errorf("%w: %s", ErrIneligible, reason)
}

// Executor rejections with these markers mean the command ran but changed
// nothing, which is the same outcome as a failed verification.
var noEffectMarkers = []string{"No unsend effect", "no retraction observed", "retractTimeout="}

func isNoEffectMessage(msg string) bool {
	for _, marker := range noEffectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyRejection turns no-effect rejections into ErrNoEffect and leaves
// every other error untouched.
func classifyRejection(err error) error {
	var rejected *bridge.RejectedError
	if errors.As(err, &rejected) && isNoEffectMessage(rejected.Message) {
		return fmt.Errorf("%w: %s", ErrNoEffect, rejected.Message)
	}
	return err
}

// HTTPStatus maps an action error to the status code reported to clients.
func HTTPStatus(err error) int {
	var rejected *bridge.RejectedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, chatdb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrIneligible), errors.Is(err, ErrNoEffect):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrNotRunning), errors.Is(err, bridge.ErrNoScheduledBridge):
		return http.StatusServiceUnavailable
	case errors.As(err, &rejected) && isNoEffectMessage(rejected.Message):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
