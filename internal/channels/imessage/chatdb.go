package imessage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

// pollBatchSize caps how many rows one tick reads.
const pollBatchSize = 20

// groupChatStyle is chat.style for multi-party conversations.
const groupChatStyle = 43

// appleEpoch is 2001-01-01T00:00:00Z, the reference date of chat.db timestamps.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// RawRow is one message row read from chat.db with its sender and chat joined in.
type RawRow struct {
	RowID           int64
	GUID            string
	Text            string
	IsFromMe        bool
	AssociationType int
	AssociationGUID string
	ReplyToGUID     string // thread_originator_guid
	HasAttachments  bool
	Date            time.Time
	Sender          string // handle.id: phone number or email
	ChatRowID       int64
	ChatGUID        string
	ChatIdentifier  string
	ChatName        string
	IsGroup         bool
}

// Attachment is one file attached to a message.
type Attachment struct {
	Path        string
	ContentType string
	Name        string
}

// ChatDB is a read-only handle on the Messages database.
type ChatDB struct {
	db   *sql.DB
	path string
}

// OpenChatDB opens path read-only. The file is never written.
func OpenChatDB(ctx context.Context, path string) (*ChatDB, error) {
	path = config.ExpandHome(path)
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro&_pragma=busy_timeout(5000)"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chat.db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open chat.db %s: %w", path, err)
	}
	// Ping succeeds on an empty file; touch the schema to surface missing
	// tables and permission errors (Full Disk Access) at startup.
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'message'").Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read chat.db schema: %w", err)
	}
	if n == 0 {
		_ = db.Close()
		return nil, fmt.Errorf("chat.db %s has no message table", path)
	}
	return &ChatDB{db: db, path: path}, nil
}

// Path returns the expanded database path.
func (c *ChatDB) Path() string { return c.path }

// Close releases the handle.
func (c *ChatDB) Close() error {
	return c.db.Close()
}

// MaxRowID returns the highest message ROWID, or 0 for an empty table.
func (c *ChatDB) MaxRowID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := c.db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("query max rowid: %w", err)
	}
	return maxID.Int64, nil
}

const rowColumns = `
	m.ROWID,
	COALESCE(m.guid, ''),
	m.text,
	m.attributedBody,
	COALESCE(m.is_from_me, 0),
	COALESCE(m.associated_message_type, 0),
	COALESCE(m.associated_message_guid, ''),
	COALESCE(m.thread_originator_guid, ''),
	COALESCE(m.cache_has_attachments, 0),
	COALESCE(m.date, 0),
	COALESCE(h.id, ''),
	COALESCE(c.ROWID, 0),
	COALESCE(c.guid, ''),
	COALESCE(c.chat_identifier, ''),
	COALESCE(c.display_name, ''),
	COALESCE(c.style, 0)
FROM message m
LEFT JOIN handle h ON h.ROWID = m.handle_id
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
LEFT JOIN chat c ON c.ROWID = cmj.chat_id`

// Poll returns inbound rows (is_from_me = 0) with ROWID > afterRowID in
// ascending order, at most pollBatchSize rows.
func (c *ChatDB) Poll(ctx context.Context, afterRowID int64) ([]RawRow, error) {
	query := "SELECT " + rowColumns + `
WHERE m.ROWID > ? AND m.is_from_me = 0
ORDER BY m.ROWID ASC
LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, afterRowID, pollBatchSize)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []RawRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MessageByGUID looks up a message by its guid. Returns nil, nil when absent.
func (c *ChatDB) MessageByGUID(ctx context.Context, guid string) (*RawRow, error) {
	if guid == "" {
		return nil, nil
	}
	row := c.db.QueryRowContext(ctx, "SELECT "+rowColumns+"\nWHERE m.guid = ?\nLIMIT 1", guid)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Attachments lists the files attached to message rowID.
func (c *ChatDB) Attachments(ctx context.Context, rowID int64) ([]Attachment, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT COALESCE(a.filename, ''), COALESCE(a.mime_type, ''), COALESCE(a.transfer_name, '')
FROM message_attachment_join maj
JOIN attachment a ON a.ROWID = maj.attachment_id
WHERE maj.message_id = ?
ORDER BY a.ROWID`, rowID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.Path, &a.ContentType, &a.Name); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		if a.Path == "" {
			continue
		}
		a.Path = config.ExpandHome(a.Path)
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner) (RawRow, error) {
	var (
		r          RawRow
		text       sql.NullString
		attributed []byte
		fromMe     int64
		hasAttach  int64
		date       int64
		style      int64
	)
	err := s.Scan(
		&r.RowID, &r.GUID, &text, &attributed, &fromMe,
		&r.AssociationType, &r.AssociationGUID, &r.ReplyToGUID, &hasAttach, &date,
		&r.Sender, &r.ChatRowID, &r.ChatGUID, &r.ChatIdentifier, &r.ChatName, &style,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("scan message: %w", err)
	}

	r.Text = text.String
	if !text.Valid || strings.TrimSpace(r.Text) == "" {
		if body := textFromAttributedBody(attributed); body != "" {
			r.Text = body
		}
	}
	r.IsFromMe = fromMe != 0
	r.HasAttachments = hasAttach != 0
	r.Date = appleTime(date)
	r.IsGroup = style == groupChatStyle || strings.Contains(r.ChatGUID, ";+;")
	return r, nil
}

// appleTime converts a chat.db date (seconds on old macOS, nanoseconds since
// High Sierra) to wall time. Zero stays the zero time.
func appleTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > 1_000_000_000_000 {
		return appleEpoch.Add(time.Duration(v)).UTC()
	}
	return appleEpoch.Add(time.Duration(v) * time.Second).UTC()
}
