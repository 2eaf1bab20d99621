// Package sessions builds session keys.
//
// Session keys follow the canonical gateway format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation:
//
//	DM (shared):  {mainKey}
//	Group:        {channel}:group:{chatId}
//
// All direct conversations on a channel share the agent's main session: the
// bridge serves a single owner, so DMs from any allowed sender land in one
// context. Groups are isolated per conversation.
//
// Examples:
//
//	agent:default:main
//	agent:default:imessage:group:iMessage;+;chat123456789
package sessions

import "fmt"

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// DefaultMainKey is the session suffix shared by all direct conversations.
const DefaultMainKey = "main"

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	agent:{agentId}:{channel}:{kind}:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildRoutingKey picks the session key for an inbound conversation:
// the shared main key for direct chats, a per-chat key for groups.
func BuildRoutingKey(agentID, channel string, kind PeerKind, chatID string) string {
	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
	return BuildAgentMainSessionKey(agentID, DefaultMainKey)
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
