package imessage

import (
	"strings"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/sessions"
)

// domesticCountryCode is prefixed to bare 10-digit numbers.
const domesticCountryCode = "1"

// NormalizeHandle canonicalizes a chat.db handle for allowlist matching and
// contact lookup. Email handles are lower-cased. Phone numbers keep digits
// only and gain a leading '+': a bare 10-digit number is assumed domestic,
// an 11-digit number starting with the country code just gets '+'.
// The mapping is lossy but idempotent.
func NormalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	if strings.Contains(h, "@") {
		return strings.ToLower(h)
	}

	digits := digitsOnly(h)
	if digits == "" {
		return h
	}
	if strings.HasPrefix(h, "+") {
		return "+" + digits
	}
	switch {
	case len(digits) == 10:
		return "+" + domesticCountryCode + digits
	case len(digits) == 11 && strings.HasPrefix(digits, domesticCountryCode):
		return "+" + digits
	default:
		return "+" + digits
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lastDigits returns the trailing n digits of s (all of them if fewer).
func lastDigits(s string, n int) string {
	d := digitsOnly(s)
	if len(d) <= n {
		return d
	}
	return d[len(d)-n:]
}

// RoutingKey picks the agent session for a conversation. Direct chats share
// the agent's main session; each group chat gets its own.
func RoutingKey(agentID string, isGroup bool, chatGUID string) string {
	kind := sessions.PeerDirect
	if isGroup {
		kind = sessions.PeerGroup
	}
	return sessions.BuildRoutingKey(agentID, channelType, kind, chatGUID)
}
