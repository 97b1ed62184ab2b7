// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatdb

import "time"

// AppleEpochOffset is the number of seconds between 1970-01-01 and
// 2001-01-01. chat.db stores dates as nanoseconds since the latter.
const AppleEpochOffset = 978307200

// AppleToUnixMs converts a chat.db timestamp to Unix milliseconds. Zero
// means "not set" and stays zero.
func AppleToUnixMs(appleNanos int64) int64 {
	if appleNanos == 0 {
		return 0
	}
	return appleNanos/1_000_000 + AppleEpochOffset*1000
}

func UnixMsToApple(unixMs int64) int64 {
	if unixMs == 0 {
		return 0
	}
	return (unixMs - AppleEpochOffset*1000) * 1_000_000
}

func TimeToApple(t time.Time) int64 {
	return UnixMsToApple(t.UnixMilli())
}
