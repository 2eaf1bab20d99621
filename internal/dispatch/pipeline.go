package dispatch

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

// Pipeline modes.
const (
	ModeGateway = "gateway"
	ModeCommand = "command"
	ModeEcho    = "echo"
)

// New builds the pipeline selected by cfg.Mode.
func New(cfg config.DispatchConfig) (Pipeline, error) {
	switch cfg.Mode {
	case "", ModeGateway:
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("dispatch.gatewayUrl is required for gateway mode")
		}
		agentID := cfg.AgentID
		if agentID == "" {
			agentID = "default"
		}
		return NewGatewayPipeline(cfg.GatewayURL, cfg.Token, agentID), nil
	case ModeCommand:
		return NewCommandPipeline(cfg.Command)
	case ModeEcho:
		return EchoPipeline{}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
	}
}

// FormatPrompt renders an inbound message as agent input: quoted reply
// context first, then the body. Group messages are prefixed with the sender.
func FormatPrompt(msg bus.InboundMessage) string {
	var b strings.Builder
	if rc := msg.ReplyTo; rc != nil && rc.Text != "" {
		who := rc.SenderName
		if rc.IsFromMe {
			who = "you"
		}
		if who == "" {
			who = "someone"
		}
		fmt.Fprintf(&b, "[Replying to %s: %q]\n", who, rc.Text)
	}
	if msg.PeerKind == "group" {
		name := msg.SenderName
		if name == "" {
			name = msg.SenderID
		}
		b.WriteString(name)
		b.WriteString(": ")
	}
	b.WriteString(msg.Content)
	return b.String()
}
