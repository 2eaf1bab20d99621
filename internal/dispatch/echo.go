package dispatch

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels"
)

// EchoPipeline replies with the inbound text. Replies are delivered like any
// other, so allowed senders get their message back through Messages.app.
type EchoPipeline struct{}

func (EchoPipeline) Dispatch(_ context.Context, msg bus.InboundMessage) ([]bus.ReplyPayload, error) {
	slog.Info("imessage: echo",
		"sender", msg.SenderID,
		"session", msg.SessionKey,
		"preview", channels.Truncate(msg.Content, 60),
	)
	if msg.Content == "" {
		return nil, nil
	}
	return []bus.ReplyPayload{{Text: msg.Content}}, nil
}
