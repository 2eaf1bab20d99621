package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

// chatSchema is the subset of the Messages schema the reader touches.
const chatSchema = `
CREATE TABLE handle (ROWID INTEGER PRIMARY KEY AUTOINCREMENT, id TEXT NOT NULL, service TEXT);
CREATE TABLE chat (ROWID INTEGER PRIMARY KEY AUTOINCREMENT, guid TEXT, chat_identifier TEXT, display_name TEXT, style INTEGER);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE,
	text TEXT,
	attributedBody BLOB,
	handle_id INTEGER DEFAULT 0,
	is_from_me INTEGER DEFAULT 0,
	associated_message_type INTEGER DEFAULT 0,
	associated_message_guid TEXT,
	thread_originator_guid TEXT,
	cache_has_attachments INTEGER DEFAULT 0,
	date INTEGER DEFAULT 0
);
CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER);
CREATE TABLE attachment (ROWID INTEGER PRIMARY KEY AUTOINCREMENT, filename TEXT, mime_type TEXT, transfer_name TEXT);
CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER);
`

type chatFixture struct {
	t    *testing.T
	db   *sql.DB
	path string
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(chatSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return &chatFixture{t: t, db: db, path: path}
}

func (f *chatFixture) exec(q string, args ...any) sql.Result {
	f.t.Helper()
	res, err := f.db.Exec(q, args...)
	if err != nil {
		f.t.Fatalf("exec %q: %v", q, err)
	}
	return res
}

func (f *chatFixture) handle(id string) int64 {
	f.t.Helper()
	var rowID int64
	err := f.db.QueryRow("SELECT ROWID FROM handle WHERE id = ?", id).Scan(&rowID)
	if err == nil {
		return rowID
	}
	rowID, _ = f.exec("INSERT INTO handle (id, service) VALUES (?, 'iMessage')", id).LastInsertId()
	return rowID
}

func (f *chatFixture) chat(guid, name string, group bool) int64 {
	f.t.Helper()
	style := 45
	if group {
		style = groupChatStyle
	}
	id, _ := f.exec("INSERT INTO chat (guid, chat_identifier, display_name, style) VALUES (?, ?, ?, ?)",
		guid, guid, name, style).LastInsertId()
	return id
}

type fixtureMsg struct {
	RowID       int64
	GUID        string
	Text        string
	Body        []byte // attributedBody, used when Text is empty
	Sender      string
	FromMe      bool
	Assoc       int
	AssocGUID   string
	ReplyTo     string
	Chat        int64
	Attachments bool
	Date        int64
}

func (f *chatFixture) add(m fixtureMsg) {
	f.t.Helper()
	if m.GUID == "" {
		m.GUID = fmt.Sprintf("GUID-%d", m.RowID)
	}
	var text any
	if m.Text != "" {
		text = m.Text
	}
	var handleID int64
	if m.Sender != "" {
		handleID = f.handle(m.Sender)
	}
	f.exec(`INSERT INTO message (ROWID, guid, text, attributedBody, handle_id, is_from_me,
		associated_message_type, associated_message_guid, thread_originator_guid, cache_has_attachments, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RowID, m.GUID, text, m.Body, handleID, boolInt(m.FromMe),
		m.Assoc, nullIfEmpty(m.AssocGUID), nullIfEmpty(m.ReplyTo), boolInt(m.Attachments), m.Date)
	if m.Chat != 0 {
		f.exec("INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)", m.Chat, m.RowID)
	}
}

func (f *chatFixture) attach(rowID int64, filename, mime string) {
	f.t.Helper()
	id, _ := f.exec("INSERT INTO attachment (filename, mime_type, transfer_name) VALUES (?, ?, ?)",
		filename, mime, filepath.Base(filename)).LastInsertId()
	f.exec("INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (?, ?)", rowID, id)
}

func (f *chatFixture) open() *ChatDB {
	f.t.Helper()
	db, err := OpenChatDB(context.Background(), f.path)
	if err != nil {
		f.t.Fatalf("OpenChatDB: %v", err)
	}
	f.t.Cleanup(func() { db.Close() })
	return db
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// recorder is a bus.MessageHandler that keeps every message it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (r *recorder) handle(_ context.Context, msg bus.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) messages() []bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.InboundMessage(nil), r.msgs...)
}

func testAccount(dbPath string, allowFrom ...string) config.IMessageAccount {
	return config.IMessageAccount{
		ID:              config.DefaultAccountID,
		Enabled:         true,
		DMPolicy:        "allowlist",
		AllowFrom:       allowFrom,
		PollInterval:    10 * time.Millisecond,
		IncludeTapbacks: true,
		DBPath:          dbPath,
		Service:         "iMessage",
		SendTimeout:     5 * time.Second,
		SendRatePerSec:  100,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
