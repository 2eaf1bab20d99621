package config

import (
	"sort"
	"time"
)

// Channel-level defaults for iMessage accounts.
const (
	DefaultAccountID      = "default"
	DefaultPollIntervalMs = 1000
	DefaultDMPolicy       = "allowlist"
	DefaultChatDBPath     = "~/Library/Messages/chat.db"
	DefaultService        = "iMessage"
	DefaultSendTimeoutSec = 30
	DefaultSendRatePerSec = 2.0
	minPollIntervalMs     = 100
)

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	IMessage IMessageConfig `json:"imessage"`
}

// IMessageAccountConfig holds the per-account options. Zero values inherit
// from the channel-level block (for named accounts) or the defaults.
type IMessageAccountConfig struct {
	Enabled             *bool               `json:"enabled,omitempty"`             // default false
	DMPolicy            string              `json:"dmPolicy,omitempty"`            // "allowlist" (default), "open", "disabled"
	GroupPolicy         string              `json:"groupPolicy,omitempty"`         // empty = follow dmPolicy
	AllowFrom           FlexibleStringSlice `json:"allowFrom,omitempty"`           // handles; "*" = everyone
	PollIntervalMs      int                 `json:"pollIntervalMs,omitempty"`      // default 1000
	IncludeTapbacks     *bool               `json:"includeTapbacks,omitempty"`     // default true
	ResolveContactNames *bool               `json:"resolveContactNames,omitempty"` // default true
	DBPath              string              `json:"dbPath,omitempty"`              // default ~/Library/Messages/chat.db
	Service             string              `json:"service,omitempty"`             // Messages service type (default "iMessage")
	SendTimeoutSec      int                 `json:"sendTimeoutSec,omitempty"`      // osascript timeout (default 30)
	SendRatePerSec      float64             `json:"sendRatePerSec,omitempty"`      // osascript calls per second (default 2)
}

// IMessageConfig is the channel-level block; it doubles as the "default" account.
type IMessageConfig struct {
	IMessageAccountConfig
	Accounts map[string]IMessageAccountConfig `json:"accounts,omitempty"`
}

// IMessageAccount is the fully resolved configuration of one account.
type IMessageAccount struct {
	ID                  string
	Enabled             bool
	DMPolicy            string
	GroupPolicy         string
	AllowFrom           []string
	PollInterval        time.Duration
	IncludeTapbacks     bool
	ResolveContactNames bool
	DBPath              string
	Service             string
	SendTimeout         time.Duration
	SendRatePerSec      float64
}

// IMessageAccountIDs enumerates the configured accounts: "default" first,
// then named accounts in lexical order.
func (c *Config) IMessageAccountIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := []string{DefaultAccountID}
	named := make([]string, 0, len(c.Channels.IMessage.Accounts))
	for id := range c.Channels.IMessage.Accounts {
		if id == DefaultAccountID {
			continue
		}
		named = append(named, id)
	}
	sort.Strings(named)
	return append(ids, named...)
}

// ResolveIMessageAccount merges the account overlay onto the channel-level
// block and applies defaults. Unknown IDs resolve to the channel-level block.
func (c *Config) ResolveIMessageAccount(id string) IMessageAccount {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id == "" {
		id = DefaultAccountID
	}
	merged := c.Channels.IMessage.IMessageAccountConfig
	if overlay, ok := c.Channels.IMessage.Accounts[id]; ok && id != DefaultAccountID {
		merged = mergeAccount(merged, overlay)
	}
	return resolveAccount(id, merged)
}

func mergeAccount(base, overlay IMessageAccountConfig) IMessageAccountConfig {
	out := base
	if overlay.Enabled != nil {
		out.Enabled = overlay.Enabled
	}
	if overlay.DMPolicy != "" {
		out.DMPolicy = overlay.DMPolicy
	}
	if overlay.GroupPolicy != "" {
		out.GroupPolicy = overlay.GroupPolicy
	}
	if overlay.AllowFrom != nil {
		out.AllowFrom = overlay.AllowFrom
	}
	if overlay.PollIntervalMs > 0 {
		out.PollIntervalMs = overlay.PollIntervalMs
	}
	if overlay.IncludeTapbacks != nil {
		out.IncludeTapbacks = overlay.IncludeTapbacks
	}
	if overlay.ResolveContactNames != nil {
		out.ResolveContactNames = overlay.ResolveContactNames
	}
	if overlay.DBPath != "" {
		out.DBPath = overlay.DBPath
	}
	if overlay.Service != "" {
		out.Service = overlay.Service
	}
	if overlay.SendTimeoutSec > 0 {
		out.SendTimeoutSec = overlay.SendTimeoutSec
	}
	if overlay.SendRatePerSec > 0 {
		out.SendRatePerSec = overlay.SendRatePerSec
	}
	return out
}

func resolveAccount(id string, a IMessageAccountConfig) IMessageAccount {
	acc := IMessageAccount{
		ID:                  id,
		Enabled:             boolOr(a.Enabled, false),
		DMPolicy:            a.DMPolicy,
		GroupPolicy:         a.GroupPolicy,
		AllowFrom:           append([]string(nil), a.AllowFrom...),
		IncludeTapbacks:     boolOr(a.IncludeTapbacks, true),
		ResolveContactNames: boolOr(a.ResolveContactNames, true),
		DBPath:              a.DBPath,
		Service:             a.Service,
		SendRatePerSec:      a.SendRatePerSec,
	}
	if acc.DMPolicy == "" {
		acc.DMPolicy = DefaultDMPolicy
	}

	pollMs := a.PollIntervalMs
	if pollMs <= 0 {
		pollMs = DefaultPollIntervalMs
	}
	if pollMs < minPollIntervalMs {
		pollMs = minPollIntervalMs
	}
	acc.PollInterval = time.Duration(pollMs) * time.Millisecond

	if acc.DBPath == "" {
		acc.DBPath = DefaultChatDBPath
	}
	acc.DBPath = ExpandHome(acc.DBPath)
	if acc.Service == "" {
		acc.Service = DefaultService
	}

	sendSec := a.SendTimeoutSec
	if sendSec <= 0 {
		sendSec = DefaultSendTimeoutSec
	}
	acc.SendTimeout = time.Duration(sendSec) * time.Second
	if acc.SendRatePerSec <= 0 {
		acc.SendRatePerSec = DefaultSendRatePerSec
	}
	return acc
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
