package imessage

import (
	"context"
	"crypto/rand"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/sessions"
)

// messageSource is the part of ChatDB the normalizer reads from.
type messageSource interface {
	MessageByGUID(ctx context.Context, guid string) (*RawRow, error)
	Attachments(ctx context.Context, rowID int64) ([]Attachment, error)
}

// nameResolver maps a handle to a display name, "" when unknown.
type nameResolver interface {
	Resolve(ctx context.Context, handle string) string
}

// Normalizer turns classified rows into bus.InboundMessage values.
type Normalizer struct {
	source    messageSource
	contacts  nameResolver // nil disables contact names
	channel   string
	accountID string
	agentID   string
}

// NewNormalizer creates a normalizer. contacts may be nil.
func NewNormalizer(source messageSource, contacts nameResolver, channel, accountID, agentID string) *Normalizer {
	return &Normalizer{
		source:    source,
		contacts:  contacts,
		channel:   channel,
		accountID: accountID,
		agentID:   agentID,
	}
}

// BuildEvent builds the inbound message for a row Classify accepted.
// Enrichment (contact names, reply context, attachments) is best-effort.
func (n *Normalizer) BuildEvent(ctx context.Context, r RawRow, cls Classification) bus.InboundMessage {
	chatID := r.Sender
	if r.IsGroup {
		chatID = r.ChatGUID
		if chatID == "" {
			chatID = r.ChatIdentifier
		}
	}

	msg := bus.InboundMessage{
		Channel:     n.channel,
		AccountID:   n.accountID,
		SenderID:    r.Sender,
		SenderName:  n.displayName(ctx, r.Sender),
		ChatID:      chatID,
		PeerKind:    string(sessions.PeerKindFromGroup(r.IsGroup)),
		SessionKey:  RoutingKey(n.agentID, r.IsGroup, chatID),
		DeliveryID:  newDeliveryID(),
		MessageGUID: r.GUID,
		Timestamp:   r.Date,
		Metadata: map[string]string{
			"message_rowid": strconv.FormatInt(r.RowID, 10),
		},
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if r.IsGroup && r.ChatName != "" {
		msg.Metadata["chat_name"] = r.ChatName
	}

	switch cls.Kind {
	case KindTapback:
		original := ""
		if orig := n.lookup(ctx, cls.TargetGUID); orig != nil {
			original = orig.Text
		}
		msg.Content = tapbackText(cls.Emoji, original)
		msg.Metadata["tapback"] = cls.Emoji
		msg.Metadata["tapback_target"] = cls.TargetGUID

	default:
		msg.Content = strings.TrimSpace(r.Text)
		if r.HasAttachments {
			msg.Media = n.media(ctx, r.RowID)
			if tags := buildMediaTags(msg.Media); tags != "" {
				if msg.Content != "" {
					msg.Content += "\n"
				}
				msg.Content += tags
			}
		}
		if r.ReplyToGUID != "" {
			msg.ReplyTo = n.ResolveReply(ctx, r.ReplyToGUID)
		}
	}
	return msg
}

// ResolveReply returns the quoted message a reply points at, or nil if it
// cannot be found.
func (n *Normalizer) ResolveReply(ctx context.Context, guid string) *bus.ReplyContext {
	guid = stripTargetPrefix(guid)
	orig := n.lookup(ctx, guid)
	if orig == nil {
		return nil
	}
	rc := &bus.ReplyContext{
		Text:     orig.Text,
		IsFromMe: orig.IsFromMe,
		GUID:     orig.GUID,
	}
	if !orig.IsFromMe {
		rc.SenderName = n.displayName(ctx, orig.Sender)
	}
	return rc
}

func (n *Normalizer) lookup(ctx context.Context, guid string) *RawRow {
	if guid == "" || n.source == nil {
		return nil
	}
	orig, err := n.source.MessageByGUID(ctx, guid)
	if err != nil {
		slog.Debug("imessage: original message lookup failed", "guid", guid, "error", err)
		return nil
	}
	return orig
}

func (n *Normalizer) media(ctx context.Context, rowID int64) []bus.MediaRef {
	if n.source == nil {
		return nil
	}
	atts, err := n.source.Attachments(ctx, rowID)
	if err != nil {
		slog.Debug("imessage: attachment lookup failed", "rowid", rowID, "error", err)
		return nil
	}
	refs := make([]bus.MediaRef, 0, len(atts))
	for _, a := range atts {
		refs = append(refs, bus.MediaRef{Path: a.Path, ContentType: a.ContentType})
	}
	return refs
}

// displayName prefers the address book name and falls back to the handle.
func (n *Normalizer) displayName(ctx context.Context, handle string) string {
	if handle == "" {
		return ""
	}
	if n.contacts != nil {
		if name := n.contacts.Resolve(ctx, handle); name != "" {
			return name
		}
	}
	return handle
}

// buildMediaTags renders one <media:kind> tag per attachment.
func buildMediaTags(media []bus.MediaRef) string {
	tags := make([]string, 0, len(media))
	for _, m := range media {
		kind := "document"
		switch {
		case strings.HasPrefix(m.ContentType, "image/"):
			kind = "image"
		case strings.HasPrefix(m.ContentType, "video/"):
			kind = "video"
		case strings.HasPrefix(m.ContentType, "audio/"):
			kind = "audio"
		}
		tags = append(tags, "<media:"+kind+">")
	}
	return strings.Join(tags, " ")
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newDeliveryID generates a delivery identifier.
// Format: "imsg_" + ulid().
func newDeliveryID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return "imsg_" + ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
