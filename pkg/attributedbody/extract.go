// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package attributedbody recovers plain message text from the typedstream
// archives that chat.db stores in message.attributedBody.
//
// Newer macOS releases leave message.text NULL and only write the archived
// NSAttributedString. Decoding the archive properly needs the Objective-C
// runtime, so this package scans the raw bytes for the embedded NSString
// payloads instead and keeps the most plausible one.
package attributedbody

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxRunes caps the length of extracted text.
const MaxRunes = 3000

var (
	stringMarker     = []byte("NSString")
	dictionaryMarker = "NSDictionary"
	metadataNames    = []string{"streamtyped", "nsattributedstring", "nsdictionary", "nsobject"}
)

// Extract returns the message text embedded in an attributedBody blob.
// The boolean is false when the blob is empty, undecodable, or only yields
// archive metadata.
func Extract(blob []byte) (string, bool) {
	if len(blob) == 0 {
		return "", false
	}
	if best := longestCandidate(blob); best != "" {
		return best, true
	}

	decoded := strings.ReplaceAll(string(blob), "\x00", "")
	if idx := strings.Index(decoded, string(stringMarker)); idx >= 0 {
		rest := decoded[idx+len(stringMarker):]
		if end := strings.Index(rest, dictionaryMarker); end > 0 {
			rest = rest[:end]
		}
		if text := cleanup(rest); text != "" && !looksLikeMetadata(text) {
			return text, true
		}
	}
	if text := cleanup(decoded); text != "" && !looksLikeMetadata(text) {
		return text, true
	}
	return "", false
}

// BodyText resolves the display text of a message row: the plain text
// column wins, then the archived body, then the empty string.
func BodyText(text string, blob []byte) string {
	if text != "" {
		return text
	}
	if parsed, ok := Extract(blob); ok {
		return parsed
	}
	return ""
}

func longestCandidate(blob []byte) string {
	var best string
	bestLen := 0
	search := blob
	for {
		idx := bytes.Index(search, stringMarker)
		if idx < 0 {
			break
		}
		next := idx + len(stringMarker)
		candidate := cleanup(decodeSegment(search[next:]))
		if candidate != "" && !looksLikeMetadata(candidate) {
			if n := utf8.RuneCountInString(candidate); n > bestLen {
				best, bestLen = candidate, n
			}
		}
		if next >= len(search) {
			break
		}
		search = search[next:]
	}
	return best
}

func isLikelyTextByte(b byte) bool {
	return (b >= 0x20 && b <= 0x7e) || (b >= 0xc2 && b <= 0xf4)
}

func isTerminator(b byte) bool {
	return b >= 0x84 && b <= 0x91
}

// decodeSegment reads the UTF-8 run that follows an NSString marker.
// Leading noise is skipped; once a character has been collected, a
// terminator byte, an invalid sequence or a control character ends the run.
func decodeSegment(seg []byte) string {
	start := -1
	for i, b := range seg {
		if isLikelyTextByte(b) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}

	out := make([]rune, 0, 64)
	for i := start; i < len(seg); {
		if len(out) > 0 && isTerminator(seg[i]) {
			break
		}
		r, size := utf8.DecodeRune(seg[i:])
		if r == utf8.RuneError && size <= 1 {
			if len(out) > 0 {
				break
			}
			i++
			continue
		}
		if r < 0x20 && r != '\n' && r != '\t' {
			if len(out) > 0 {
				break
			}
			i += size
			continue
		}
		out = append(out, r)
		i += size
	}
	return strings.TrimSpace(string(out))
}

func looksLikeMetadata(s string) bool {
	ls := strings.ToLower(strings.TrimSpace(s))
	if ls == "" {
		return false
	}
	for _, name := range metadataNames {
		if strings.Contains(ls, name) {
			return true
		}
	}
	return false
}

func cleanup(raw string) string {
	s := sanitize(raw)
	s = strings.TrimSpace(strings.TrimLeft(s, "\uFFFC"))
	if s == "" {
		return ""
	}

	// Payloads often start with a length byte or two before the "+" sentinel.
	if idx := strings.IndexByte(s, '+'); idx >= 0 && utf8.RuneCountInString(s[:idx]) <= 4 {
		s = s[idx:]
	}
	if strings.HasPrefix(s, "+") {
		s = s[1:]
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i > 0 && i < len(s) {
			if r, _ := utf8.DecodeRuneInString(s[i:]); unicode.IsLetter(r) {
				s = s[i:]
			}
		}
	}

	s = stripTailMarkers(s)
	return strings.TrimSpace(strings.TrimLeft(s, "\uFFFC"))
}

// stripTailMarkers removes the "iI" attribute-run marker that trails the
// string payload, along with the short slot suffix that may follow it.
func stripTailMarkers(s string) string {
	s = strings.TrimSpace(s)
	for {
		if strings.HasSuffix(s, "iI") {
			s = strings.TrimSpace(s[:len(s)-2])
			continue
		}
		idx := strings.LastIndex(s, "iI")
		if idx >= 0 && utf8.RuneCountInString(s[idx:]) <= 8 && isTailSuffix(s[idx+2:]) {
			s = strings.TrimSpace(s[:idx])
			continue
		}
		return s
	}
}

func isTailSuffix(s string) bool {
	if utf8.RuneCountInString(s) > 5 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '\uFFFD', r == '\uFFFC', r < 0x20:
		default:
			return false
		}
	}
	return true
}

// sanitize drops replacement and control characters, collapses whitespace
// (keeping single newlines) and caps the result at MaxRunes.
func sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	lastSpace := false
	for _, r := range raw {
		switch {
		case r == utf8.RuneError, r == '\uFFFC':
			continue
		case r == '\n':
			if b.Len() > 0 && !lastSpace {
				b.WriteByte('\n')
			}
			lastSpace = true
			continue
		case r < 0x20 && r != '\t', r == 0x7f:
			continue
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) > MaxRunes {
		out = string([]rune(out)[:MaxRunes])
	}
	return out
}
