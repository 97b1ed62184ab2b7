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
	"errors"
	"os/exec"
)

type LivenessProbe interface {
	Running(ctx context.Context) (bool, error)
}

// ProcessProbe checks for a process with an exact name using pgrep.
type ProcessProbe struct {
	Name string
}

func (p ProcessProbe) Running(ctx context.Context) (bool, error) {
	if p.Name == "" {
		return true, nil
	}
	err := exec.CommandContext(ctx, "pgrep", "-x", p.Name).Run()
	var exitErr *exec.ExitError
	if err == nil {
		return true, nil
	} else if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// ProbeFunc adapts a plain function to LivenessProbe.
type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Running(ctx context.Context) (bool, error) {
	return f(ctx)
}
