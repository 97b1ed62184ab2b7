// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package attachmeta fills in attachment metadata that chat.db leaves
// blank: the MIME type (from the UTI or by sniffing the file) and image
// dimensions.
package attachmeta

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lrhodin/webmessages/pkg/chatdb"
)

// UTIToMIME converts an Apple UTI to its MIME equivalent, or "" if unknown.
func UTIToMIME(uti string) string {
	switch uti {
	case "public.jpeg":
		return "image/jpeg"
	case "public.png":
		return "image/png"
	case "com.compuserve.gif":
		return "image/gif"
	case "public.tiff":
		return "image/tiff"
	case "public.heic":
		return "image/heic"
	case "public.heif":
		return "image/heif"
	case "org.webmproject.webp", "public.webp":
		return "image/webp"
	case "com.microsoft.bmp":
		return "image/bmp"
	case "public.mpeg-4":
		return "video/mp4"
	case "com.apple.quicktime-movie":
		return "video/quicktime"
	case "public.mp3":
		return "audio/mpeg"
	case "public.aac-audio":
		return "audio/aac"
	case "com.apple.coreaudio-format":
		return "audio/x-caf"
	case "com.adobe.pdf":
		return "application/pdf"
	case "public.vcard":
		return "text/vcard"
	default:
		return ""
	}
}

// Prober resolves attachment paths (chat.db stores them with a leading ~)
// and reads just enough of each file to fill in metadata.
type Prober struct {
	Home string
	log  zerolog.Logger
}

func NewProber(log zerolog.Logger) *Prober {
	home, _ := os.UserHomeDir()
	return &Prober{Home: home, log: log.With().Str("component", "attachmeta").Logger()}
}

// ResolvePath expands a leading ~ in a chat.db attachment filename.
func (p *Prober) ResolvePath(filename string) string {
	if rest, ok := strings.CutPrefix(filename, "~/"); ok {
		return filepath.Join(p.Home, rest)
	}
	return filename
}

// Probe fills in the MIME type and image dimensions of att in place.
// Unreadable files are not an error; the attachment keeps what chat.db had.
func (p *Prober) Probe(att *chatdb.Attachment) {
	if att.MIMEType == "" {
		att.MIMEType = UTIToMIME(att.UTI)
	}
	if att.Filename == "" {
		return
	}
	path := p.ResolvePath(att.Filename)
	if att.MIMEType == "" {
		mime, err := mimetype.DetectFile(path)
		if err != nil {
			p.log.Debug().Err(err).Str("guid", att.GUID).Msg("Failed to sniff attachment type")
			return
		}
		att.MIMEType = mime.String()
		if idx := strings.IndexByte(att.MIMEType, ';'); idx >= 0 {
			att.MIMEType = att.MIMEType[:idx]
		}
	}
	if strings.HasPrefix(att.MIMEType, "image/") && att.Width == 0 {
		width, height, err := imageSize(path)
		if err != nil {
			p.log.Debug().Err(err).Str("guid", att.GUID).Msg("Failed to read image dimensions")
			return
		}
		att.Width, att.Height = width, height
	}
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
