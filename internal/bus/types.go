package bus

import (
	"context"
	"time"
)

// InboundMessage is the canonical normalized event a channel hands to the
// dispatch pipeline. One is built per accepted source row and consumed once.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	AccountID   string            `json:"account_id,omitempty"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"` // best-effort display name
	ChatID      string            `json:"chat_id"`               // conversation identifier (chat guid)
	PeerKind    string            `json:"peer_kind,omitempty"`   // "direct" or "group"
	SessionKey  string            `json:"session_key"`           // routing key for the agent pipeline
	Content     string            `json:"content"`
	Media       []MediaRef        `json:"media,omitempty"`
	ReplyTo     *ReplyContext     `json:"reply_to,omitempty"`
	DeliveryID  string            `json:"delivery_id"`            // synthetic, globally unique
	MessageGUID string            `json:"message_guid,omitempty"` // source message guid
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MediaRef points at a local attachment file.
type MediaRef struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// ReplyContext describes the message an inbound message quotes.
type ReplyContext struct {
	Text       string `json:"text"`
	SenderName string `json:"sender_name,omitempty"`
	IsFromMe   bool   `json:"is_from_me"`
	GUID       string `json:"guid,omitempty"`
}

// ReplyPayload is one reply produced by the pipeline for an inbound message.
// Either field may be empty, not both.
type ReplyPayload struct {
	Text      string `json:"text,omitempty"`
	MediaPath string `json:"media_path,omitempty"`
}

// IsEmpty reports whether the payload carries nothing to send.
func (p ReplyPayload) IsEmpty() bool {
	return p.Text == "" && p.MediaPath == ""
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`    // optional media attachments
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Caption     string `json:"caption,omitempty"`      // optional caption for media
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(ctx context.Context, msg InboundMessage) error
