// Package channels provides the channel abstraction layer for the bridge.
// A channel connects an external messaging platform to the agent pipeline:
// it turns platform activity into bus.InboundMessage values and delivers
// replies back to the platform.
//
// Shared here:
// - DM/Group policies (allowlist, open, disabled)
// - Allowlist matching with handle normalization
// - Lifecycle management of running channels (Manager)
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
)

// DMPolicy controls how messages from senders are filtered.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all
)

// AllowAll is the allowlist wildcard entry.
const AllowAll = "*"

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "imessage", "imessage:work").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	running   atomic.Bool
	allowList []string
	normalize func(string) string
}

// NewBaseChannel creates a new BaseChannel. normalize canonicalizes sender
// identifiers for allowlist matching; nil means exact matching only.
func NewBaseChannel(name string, allowList []string, normalize func(string) string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		allowList: allowList,
		normalize: normalize,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// A sender matches an entry exactly, or after both sides are normalized.
// "*" allows everyone. Empty allowlist means all senders are allowed;
// CheckPolicy is stricter for the allowlist policy.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	normSender := ""
	if c.normalize != nil {
		normSender = c.normalize(senderID)
	}

	for _, allowed := range c.allowList {
		allowed = strings.TrimSpace(allowed)
		if allowed == AllowAll || allowed == senderID {
			return true
		}
		if c.normalize != nil && normSender != "" && c.normalize(allowed) == normSender {
			return true
		}
	}

	return false
}

// CheckPolicy evaluates DM/Group policy for a message.
// Returns true if the message should be accepted, false if rejected.
// peerKind is "direct" or "group"; an empty groupPolicy follows dmPolicy.
//
//   - "open":      accept everyone, allowFrom is ignored
//   - "allowlist": accept senders in allowFrom ("*" = everyone, empty = nobody)
//   - "disabled":  reject everyone
func (c *BaseChannel) CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peerKind == "group" && groupPolicy != "" {
		policy = groupPolicy
	}
	if policy == "" {
		policy = string(DMPolicyAllowlist)
	}

	switch DMPolicy(policy) {
	case DMPolicyDisabled:
		return false
	case DMPolicyOpen:
		return true
	default: // "allowlist" and unknown values fail closed
		return c.HasAllowList() && c.IsAllowed(senderID)
	}
}

// ValidPolicy reports whether p is a recognized policy value.
func ValidPolicy(p string) bool {
	switch DMPolicy(p) {
	case DMPolicyAllowlist, DMPolicyOpen, DMPolicyDisabled:
		return true
	}
	return false
}

// Truncate shortens a string to maxWidth display cells, appending "..." if truncated.
func Truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
