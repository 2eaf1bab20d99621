package imessage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/dispatch"
)

// Capabilities advertises what the channel supports.
type Capabilities struct {
	Groups    bool `json:"groups"`
	Media     bool `json:"media"`
	Replies   bool `json:"replies"`
	Reactions bool `json:"reactions"` // sending tapbacks
}

// Plugin is the channel descriptor the host uses to enumerate, configure,
// start and send through iMessage accounts.
type Plugin struct {
	cfg      *config.Config
	pipeline dispatch.Pipeline
	runner   ScriptRunner
	contacts []string
}

// PluginOptions overrides the system integrations, for tests.
type PluginOptions struct {
	Runner       ScriptRunner
	ContactPaths []string
}

// NewPlugin creates the descriptor over cfg.
func NewPlugin(cfg *config.Config, pipeline dispatch.Pipeline, opts PluginOptions) *Plugin {
	return &Plugin{cfg: cfg, pipeline: pipeline, runner: opts.Runner, contacts: opts.ContactPaths}
}

// ID is the channel type.
func (p *Plugin) ID() string { return channelType }

// Capabilities reports the channel features.
func (p *Plugin) Capabilities() Capabilities {
	return Capabilities{Groups: true, Media: true, Replies: true, Reactions: false}
}

// ListAccounts returns the configured account IDs.
func (p *Plugin) ListAccounts() []string {
	return p.cfg.IMessageAccountIDs()
}

// ResolveAccount returns the effective config of one account.
func (p *Plugin) ResolveAccount(id string) config.IMessageAccount {
	return p.cfg.ResolveIMessageAccount(id)
}

// NewChannel builds an unstarted channel for account id.
func (p *Plugin) NewChannel(id string) *Channel {
	return New(p.ResolveAccount(id), Options{
		StateDir:        p.cfg.StateDir(),
		AgentID:         p.cfg.Dispatch.AgentID,
		Pipeline:        p.pipeline,
		DispatchTimeout: time.Duration(p.cfg.Dispatch.TimeoutSec) * time.Second,
		Runner:          p.runner,
		ContactPaths:    p.contacts,
	})
}

// Channels builds unstarted channels for every enabled account, keyed by
// channel name.
func (p *Plugin) Channels() map[string]channels.Channel {
	for _, problem := range p.Problems() {
		slog.Warn("imessage: config problem", "problem", problem)
	}
	out := make(map[string]channels.Channel)
	for _, id := range p.ListAccounts() {
		acc := p.ResolveAccount(id)
		if !acc.Enabled {
			slog.Debug("imessage account disabled", "account", id)
			continue
		}
		ch := p.NewChannel(id)
		out[ch.Name()] = ch
	}
	return out
}

// Problems lists configuration mistakes among the enabled accounts: policy
// values CheckPolicy does not know, and accounts sharing one chat.db.
func (p *Plugin) Problems() []string {
	var out []string
	byDB := make(map[string]string)
	for _, id := range p.ListAccounts() {
		acc := p.ResolveAccount(id)
		if !acc.Enabled {
			continue
		}
		if !channels.ValidPolicy(acc.DMPolicy) {
			out = append(out, fmt.Sprintf("account %s: unknown dmPolicy %q, all messages will be dropped", id, acc.DMPolicy))
		}
		if acc.GroupPolicy != "" && !channels.ValidPolicy(acc.GroupPolicy) {
			out = append(out, fmt.Sprintf("account %s: unknown groupPolicy %q, group messages will be dropped", id, acc.GroupPolicy))
		}
		if other, ok := byDB[acc.DBPath]; ok {
			out = append(out, fmt.Sprintf("accounts %s and %s both read %s, senders allowed by both get duplicate replies", other, id, acc.DBPath))
		} else {
			byDB[acc.DBPath] = id
		}
	}
	return out
}

// StartAccount starts polling for account id and returns its stop
// function. When chat.db cannot be opened nothing is started and the
// returned function does nothing.
func (p *Plugin) StartAccount(ctx context.Context, id string) func(context.Context) error {
	ch := p.NewChannel(id)
	if err := ch.Start(ctx); err != nil {
		slog.Error("imessage account failed to start", "account", id, "error", err)
		return func(context.Context) error { return nil }
	}
	return ch.Stop
}

// SendText sends text through account id. Returns false on failure.
func (p *Plugin) SendText(ctx context.Context, id, target, text string) bool {
	return p.send(ctx, id, bus.OutboundMessage{ChatID: target, Content: text})
}

// SendMedia sends an optional caption, then the file at path.
func (p *Plugin) SendMedia(ctx context.Context, id, target, path, caption string) bool {
	return p.send(ctx, id, bus.OutboundMessage{
		ChatID: target,
		Media:  []bus.MediaAttachment{{URL: path, Caption: caption}},
	})
}

func (p *Plugin) send(ctx context.Context, id string, msg bus.OutboundMessage) bool {
	ch := p.NewChannel(id)
	msg.Channel = ch.Name()
	if err := ch.Send(ctx, msg); err != nil {
		slog.Warn("imessage: send failed", "account", id, "error", err)
		return false
	}
	return true
}
