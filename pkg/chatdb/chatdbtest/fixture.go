// Package chatdbtest builds throwaway chat.db files with the subset of the
// Messages schema that package chatdb queries.
package chatdbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/webmessages/pkg/chatdb"
)

const schema = `
CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	service TEXT NOT NULL DEFAULT 'iMessage'
);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	style INTEGER,
	chat_identifier TEXT,
	service_name TEXT,
	display_name TEXT,
	is_archived INTEGER DEFAULT 0,
	last_read_message_timestamp INTEGER DEFAULT 0
);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	text TEXT,
	attributedBody BLOB,
	handle_id INTEGER DEFAULT 0,
	service TEXT,
	is_from_me INTEGER DEFAULT 0,
	date INTEGER,
	date_read INTEGER,
	date_delivered INTEGER,
	date_retracted INTEGER DEFAULT 0,
	date_edited INTEGER DEFAULT 0,
	is_delivered INTEGER DEFAULT 0,
	is_sent INTEGER DEFAULT 0,
	is_read INTEGER DEFAULT 0,
	cache_has_attachments INTEGER DEFAULT 0,
	associated_message_type INTEGER DEFAULT 0,
	associated_message_guid TEXT,
	associated_message_emoji TEXT,
	thread_originator_guid TEXT,
	thread_originator_part TEXT,
	group_title TEXT,
	group_action_type INTEGER DEFAULT 0,
	item_type INTEGER DEFAULT 0,
	other_handle INTEGER DEFAULT 0,
	balloon_bundle_id TEXT,
	schedule_type INTEGER DEFAULT 0,
	schedule_state INTEGER DEFAULT 0
);
CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER, PRIMARY KEY (chat_id, message_id));
CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER, UNIQUE (chat_id, handle_id));
CREATE TABLE attachment (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	filename TEXT,
	uti TEXT,
	mime_type TEXT,
	transfer_name TEXT,
	total_bytes INTEGER DEFAULT 0,
	is_outgoing INTEGER DEFAULT 0,
	is_sticker INTEGER DEFAULT 0,
	hide_attachment INTEGER DEFAULT 0
);
CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER, UNIQUE (message_id, attachment_id));
`

// Store is a writable chat.db in a temporary directory.
type Store struct {
	t    testing.TB
	Path string
	rw   *sql.DB
}

func New(t testing.TB) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	rw, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	require.NoError(t, err)
	rw.SetMaxOpenConns(1)
	_, err = rw.Exec(schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rw.Close() })
	return &Store{t: t, Path: path, rw: rw}
}

// Open opens the store through chatdb.Open, read-only.
func (s *Store) Open() *chatdb.DB {
	s.t.Helper()
	db, err := chatdb.Open(context.Background(), s.Path, zerolog.Nop())
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = db.Close() })
	return db
}

func (s *Store) Exec(query string, args ...any) sql.Result {
	s.t.Helper()
	res, err := s.rw.Exec(query, args...)
	require.NoError(s.t, err)
	return res
}

func (s *Store) insert(query string, args ...any) int64 {
	s.t.Helper()
	id, err := s.Exec(query, args...).LastInsertId()
	require.NoError(s.t, err)
	return id
}

func (s *Store) AddHandle(identifier string) int64 {
	return s.insert(`INSERT INTO handle (id) VALUES (?)`, identifier)
}

type Chat struct {
	GUID        string
	Identifier  string
	DisplayName string
	Style       int
	Handles     []int64
}

func (s *Store) AddChat(c Chat) int64 {
	if c.Style == 0 {
		c.Style = chatdb.StyleDirect
	}
	var displayName any
	if c.DisplayName != "" {
		displayName = c.DisplayName
	}
	id := s.insert(`INSERT INTO chat (guid, style, chat_identifier, service_name, display_name) VALUES (?, ?, ?, 'iMessage', ?)`,
		c.GUID, c.Style, c.Identifier, displayName)
	for _, h := range c.Handles {
		s.Exec(`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (?, ?)`, id, h)
	}
	return id
}

// Message is a message row. Dates are Unix milliseconds and are stored in
// Apple nanoseconds; zero leaves the column at zero.
type Message struct {
	GUID          string
	ChatID        int64
	HandleID      int64
	Text          string
	NullText      bool
	IsFromMe      bool
	Service       string
	Date          int64
	DateEdited    int64
	DateRetracted int64
	IsSent        bool
	AssocType     int
	AssocGUID     string
	AssocEmoji    string
	ThreadGUID    string
	ItemType      int
	GroupTitle    string
	Balloon       string
	ScheduleType  int
	ScheduleState int
	Attachments   bool
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) AddMessage(m Message) int64 {
	s.t.Helper()
	if m.Service == "" {
		m.Service = chatdb.ServiceIMessage
	}
	if m.Date == 0 {
		m.Date = time.Now().UnixMilli()
	}
	var text any = m.Text
	if m.NullText {
		text = nil
	}
	id := s.insert(`
		INSERT INTO message (
			guid, text, handle_id, service, is_from_me, date, date_edited, date_retracted, is_sent,
			associated_message_type, associated_message_guid, associated_message_emoji,
			thread_originator_guid, item_type, group_title, balloon_bundle_id,
			schedule_type, schedule_state, cache_has_attachments
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.GUID, text, m.HandleID, m.Service, m.IsFromMe, chatdb.UnixMsToApple(m.Date),
		chatdb.UnixMsToApple(m.DateEdited), chatdb.UnixMsToApple(m.DateRetracted), m.IsSent,
		m.AssocType, nullIfEmpty(m.AssocGUID), nullIfEmpty(m.AssocEmoji),
		nullIfEmpty(m.ThreadGUID), m.ItemType, nullIfEmpty(m.GroupTitle), nullIfEmpty(m.Balloon),
		m.ScheduleType, m.ScheduleState, m.Attachments,
	)
	if m.ChatID != 0 {
		s.Exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)`, m.ChatID, id)
	}
	return id
}

type Attachment struct {
	GUID         string
	Filename     string
	MIMEType     string
	UTI          string
	TransferName string
	TotalBytes   int64
}

func (s *Store) AddAttachment(messageID int64, a Attachment) int64 {
	id := s.insert(`INSERT INTO attachment (guid, filename, mime_type, uti, transfer_name, total_bytes) VALUES (?, ?, ?, ?, ?, ?)`,
		a.GUID, nullIfEmpty(a.Filename), nullIfEmpty(a.MIMEType), nullIfEmpty(a.UTI), nullIfEmpty(a.TransferName), a.TotalBytes)
	s.Exec(`INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (?, ?)`, messageID, id)
	return id
}

// SetLastRead sets a chat's last_read_message_timestamp from Unix milliseconds.
func (s *Store) SetLastRead(chatID, unixMs int64) {
	s.Exec(`UPDATE chat SET last_read_message_timestamp = ? WHERE ROWID = ?`, chatdb.UnixMsToApple(unixMs), chatID)
}

func (s *Store) Retract(guid string, unixMs int64) {
	s.Exec(`UPDATE message SET date_retracted = ?, text = NULL WHERE guid = ?`, chatdb.UnixMsToApple(unixMs), guid)
}

func (s *Store) Edit(guid, text string, unixMs int64) {
	s.Exec(`UPDATE message SET date_edited = ?, text = ? WHERE guid = ?`, chatdb.UnixMsToApple(unixMs), text, guid)
}

func (s *Store) Delete(guid string) {
	s.Exec(`DELETE FROM chat_message_join WHERE message_id = (SELECT ROWID FROM message WHERE guid = ?)`, guid)
	s.Exec(`DELETE FROM message WHERE guid = ?`, guid)
}
