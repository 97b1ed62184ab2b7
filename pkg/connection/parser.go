// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connection

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Parser reads server-sent event frames from a stream.
type Parser struct {
	r *bufio.Reader
}

func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete frame has been read. Frames without data are
// skipped. At the end of the stream a partially read frame is discarded and
// the reader's error is returned.
func (p *Parser) Next() (Frame, error) {
	var frame Frame
	var data []string
	hasData := false
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return Frame{}, io.EOF
			} else if err != io.EOF {
				return Frame{}, err
			}
			// Final line without a terminator can't complete a frame.
			return Frame{}, io.ErrUnexpectedEOF
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line == "" {
			if !hasData {
				frame = Frame{}
				continue
			}
			frame.Data = strings.Join(data, "\n")
			if frame.Event == "" {
				frame.Event = "message"
			}
			return frame, nil
		} else if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			frame.ID = value
		}
	}
}
