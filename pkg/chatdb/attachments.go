// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
)

const attachmentColumns = `
	a.ROWID,
	a.guid,
	COALESCE(a.filename, ''),
	COALESCE(a.mime_type, ''),
	COALESCE(a.uti, ''),
	COALESCE(a.transfer_name, ''),
	COALESCE(a.total_bytes, 0),
	COALESCE(a.is_outgoing, 0),
	COALESCE(a.is_sticker, 0),
	COALESCE(a.hide_attachment, 0)
`

func scanAttachment(row dbutil.Scannable) (att Attachment, err error) {
	var outgoing, sticker, hidden int
	err = row.Scan(
		&att.RowID, &att.GUID, &att.Filename, &att.MIMEType, &att.UTI, &att.TransferName,
		&att.TotalBytes, &outgoing, &sticker, &hidden,
	)
	att.IsOutgoing = outgoing == 1
	att.IsSticker = sticker == 1
	att.HideAttachment = hidden == 1
	return
}

// AttachmentsByMessage returns the attachments of a message in insertion order.
func (db *DB) AttachmentsByMessage(ctx context.Context, messageRowID int64) ([]Attachment, error) {
	atts, err := dbutil.ConvertRowFn[Attachment](scanAttachment).NewRowIter(db.db.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachment a
		JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
		WHERE maj.message_id = $1
		ORDER BY a.ROWID ASC
	`, messageRowID)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments of message %d: %w", messageRowID, err)
	}
	return atts, nil
}

func (db *DB) AttachmentByID(ctx context.Context, id int64) (*Attachment, error) {
	att, err := scanAttachment(db.db.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachment a WHERE a.ROWID = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query attachment %d: %w", id, err)
	}
	return &att, nil
}
