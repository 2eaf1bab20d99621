package imessage

import "strings"

// Association type ranges used by chat.db for tapbacks.
const (
	tapbackAddMin    = 2000
	tapbackRemoveMin = 3000
)

// tapbackEmoji maps associated_message_type in the add range to its emoji.
var tapbackEmoji = map[int]string{
	2000: "❤️",
	2001: "👍",
	2002: "👎",
	2003: "😂",
	2004: "‼️",
	2005: "❓",
}

// RowKind classifies a polled row.
type RowKind int

const (
	KindDrop    RowKind = iota // no event
	KindText                   // plain message, possibly with attachments
	KindTapback                // reaction added to an earlier message
)

func (k RowKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTapback:
		return "tapback"
	default:
		return "drop"
	}
}

// Classification is the outcome of Classify.
type Classification struct {
	Kind       RowKind
	Emoji      string // tapbacks only
	TargetGUID string // tapbacks only, prefixes stripped
	Reason     string // why a row was dropped
}

// Classify decides how a row becomes an event. Tapback removals, unknown
// association types and rows with nothing to deliver are dropped.
func Classify(r RawRow, includeTapbacks bool) Classification {
	switch {
	case r.AssociationType == 0:
		// plain row
	case r.AssociationType >= tapbackRemoveMin:
		return Classification{Kind: KindDrop, Reason: "tapback_removed"}
	case r.AssociationType >= tapbackAddMin:
		emoji, ok := tapbackEmoji[r.AssociationType]
		if !ok {
			return Classification{Kind: KindDrop, Reason: "tapback_unknown"}
		}
		if !includeTapbacks {
			return Classification{Kind: KindDrop, Reason: "tapback_disabled"}
		}
		return Classification{
			Kind:       KindTapback,
			Emoji:      emoji,
			TargetGUID: stripTargetPrefix(r.AssociationGUID),
		}
	default:
		return Classification{Kind: KindDrop, Reason: "association_unknown"}
	}

	if strings.TrimSpace(r.Text) == "" && !r.HasAttachments {
		return Classification{Kind: KindDrop, Reason: "empty"}
	}
	return Classification{Kind: KindText}
}

// stripTargetPrefix removes the part-index ("p:0/") and balloon ("bp:")
// prefixes chat.db puts on associated_message_guid.
func stripTargetPrefix(guid string) string {
	guid = strings.TrimSpace(guid)
	if strings.HasPrefix(guid, "p:") {
		if slash := strings.IndexByte(guid, '/'); slash >= 0 {
			return guid[slash+1:]
		}
	}
	return strings.TrimPrefix(guid, "bp:")
}

// tapbackText renders the body delivered for a tapback.
func tapbackText(emoji, original string) string {
	original = strings.TrimSpace(original)
	if original == "" {
		original = "message"
	}
	return emoji + ` reacted to: "` + original + `"`
}
