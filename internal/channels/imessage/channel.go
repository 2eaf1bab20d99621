// Package imessage implements the iMessage channel: it tails the local
// Messages database (chat.db), turns new inbound rows into bus messages for
// the agent pipeline and sends replies through Messages.app via osascript.
//
// Only one instance per account delivers at a time; see Lease.
package imessage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/dispatch"
)

const channelType = "imessage"

const (
	leaseFile     = "active-instance"
	watermarkFile = "watermark.json"
)

// AccountStateDir is where an account keeps its watermark and lease.
func AccountStateDir(stateDir, accountID string) string {
	return filepath.Join(stateDir, accountID)
}

// LeasePath is the lease file inside an account state dir.
func LeasePath(accountDir string) string { return filepath.Join(accountDir, leaseFile) }

// WatermarkPath is the watermark file inside an account state dir.
func WatermarkPath(accountDir string) string { return filepath.Join(accountDir, watermarkFile) }

// ChannelName is the manager name of an account's channel.
func ChannelName(accountID string) string {
	if accountID == "" || accountID == config.DefaultAccountID {
		return channelType
	}
	return channelType + ":" + accountID
}

// Channel is one iMessage account wired to a dispatch pipeline.
type Channel struct {
	*channels.BaseChannel
	acc      config.IMessageAccount
	stateDir string
	agentID  string
	pipeline dispatch.Pipeline
	timeout  time.Duration
	sender   *AppleScriptSender
	contacts []string

	mu     sync.Mutex
	poller *Poller
}

// Options configures New.
type Options struct {
	StateDir        string // root state dir; the account gets a subdirectory
	AgentID         string
	Pipeline        dispatch.Pipeline
	DispatchTimeout time.Duration
	Runner          ScriptRunner // nil = osascript
	ContactPaths    []string     // nil = system address book
}

// New creates the channel for acc.
func New(acc config.IMessageAccount, opts Options) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName(acc.ID), acc.AllowFrom, NormalizeHandle),
		acc:         acc,
		stateDir:    AccountStateDir(opts.StateDir, acc.ID),
		agentID:     opts.AgentID,
		pipeline:    opts.Pipeline,
		timeout:     opts.DispatchTimeout,
		sender:      NewAppleScriptSender(acc.ID, acc.Service, acc.SendTimeout, acc.SendRatePerSec, opts.Runner),
		contacts:    opts.ContactPaths,
	}
}

// Account returns the resolved account config.
func (c *Channel) Account() config.IMessageAccount { return c.acc }

// Sender returns the outbound sender.
func (c *Channel) Sender() *AppleScriptSender { return c.sender }

// Start opens chat.db and starts polling. A second Start while running is a no-op.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poller != nil {
		return nil
	}

	bridge := dispatch.NewBridge(c.pipeline, c, c.acc.ID, c.timeout)
	p := NewPoller(PollerOptions{
		Account:      c.acc,
		StateDir:     c.stateDir,
		Channel:      c.Name(),
		AgentID:      c.agentID,
		Handler:      bridge.Handle,
		ContactPaths: c.contacts,
		OnExit:       func() { c.SetRunning(false) },
	})
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start imessage account %s: %w", c.acc.ID, err)
	}
	c.poller = p
	c.SetRunning(true)
	return nil
}

// Stop stops polling and waits for the in-flight tick.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	err := p.Stop(ctx)
	c.SetRunning(false)
	return err
}

// Send delivers an outbound message: text first, then each attachment.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content != "" && !c.sender.SendText(ctx, msg.ChatID, msg.Content) {
		return fmt.Errorf("imessage send text to %s failed", msg.ChatID)
	}
	for _, m := range msg.Media {
		if m.Caption != "" && !c.sender.SendText(ctx, msg.ChatID, m.Caption) {
			return fmt.Errorf("imessage send caption to %s failed", msg.ChatID)
		}
		if !c.sender.SendFile(ctx, msg.ChatID, m.URL) {
			return fmt.Errorf("imessage send file %s to %s failed", m.URL, msg.ChatID)
		}
	}
	return nil
}

// Deliver sends one pipeline reply back to the conversation msg came from.
func (c *Channel) Deliver(ctx context.Context, msg bus.InboundMessage, reply bus.ReplyPayload) error {
	if reply.Text != "" && !c.sender.SendText(ctx, msg.ChatID, reply.Text) {
		return fmt.Errorf("send reply text to %s failed", msg.ChatID)
	}
	if reply.MediaPath != "" && !c.sender.SendFile(ctx, msg.ChatID, reply.MediaPath) {
		return fmt.Errorf("send reply file %s to %s failed", reply.MediaPath, msg.ChatID)
	}
	slog.Debug("imessage: reply delivered", "account", c.acc.ID, "chat_id", msg.ChatID, "delivery_id", msg.DeliveryID)
	return nil
}
