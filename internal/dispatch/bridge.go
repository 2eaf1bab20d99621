// Package dispatch hands normalized inbound messages to the agent pipeline
// and delivers the replies it produces.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/metrics"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/tracing"
)

// Pipeline runs the agent for one inbound message and returns its replies
// in delivery order. Zero replies is a valid outcome.
type Pipeline interface {
	Dispatch(ctx context.Context, msg bus.InboundMessage) ([]bus.ReplyPayload, error)
}

// IdleMarker is implemented by pipelines that want to know when every reply
// for a message has been delivered.
type IdleMarker interface {
	MarkIdle(ctx context.Context, msg bus.InboundMessage)
}

// Deliverer sends one reply back to the conversation msg came from.
type Deliverer interface {
	Deliver(ctx context.Context, msg bus.InboundMessage, reply bus.ReplyPayload) error
}

// Bridge connects a Pipeline to a Deliverer. Handle never fails: pipeline
// errors, delivery errors and panics are logged and swallowed so one bad
// message cannot stall the poll loop.
type Bridge struct {
	pipeline Pipeline
	deliver  Deliverer
	account  string
	timeout  time.Duration
}

// NewBridge creates a bridge. timeout bounds one pipeline run; 0 disables it.
func NewBridge(p Pipeline, d Deliverer, account string, timeout time.Duration) *Bridge {
	return &Bridge{pipeline: p, deliver: d, account: account, timeout: timeout}
}

// Handle dispatches msg and delivers each reply in order, then marks the
// pipeline idle. Matches bus.MessageHandler; the returned error is always nil.
func (b *Bridge) Handle(ctx context.Context, msg bus.InboundMessage) error {
	start := time.Now()
	outcome := "ok"

	ctx, span := tracing.Tracer().Start(ctx, "imessage.dispatch")
	span.SetAttributes(
		attribute.String("account", b.account),
		attribute.String("delivery_id", msg.DeliveryID),
		attribute.String("peer_kind", msg.PeerKind),
	)
	defer func() {
		metrics.EventDispatched(b.account, outcome, time.Since(start).Seconds())
		span.End()
	}()
	defer b.markIdle(ctx, msg)

	replies, err := b.run(ctx, msg)
	if err != nil {
		outcome = "error"
		if _, ok := err.(panicError); ok {
			outcome = "panic"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("imessage: dispatch failed",
			"account", b.account, "delivery_id", msg.DeliveryID, "sender", msg.SenderID, "error", err)
		return nil
	}

	span.SetAttributes(attribute.Int("replies", len(replies)))
	for i, reply := range replies {
		if reply.IsEmpty() {
			continue
		}
		if err := b.deliverOne(ctx, msg, reply); err != nil {
			outcome = "error"
			slog.Error("imessage: reply delivery failed",
				"account", b.account, "delivery_id", msg.DeliveryID, "reply", i, "error", err)
		}
	}
	return nil
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

func (b *Bridge) run(ctx context.Context, msg bus.InboundMessage) (replies []bus.ReplyPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("imessage: pipeline panic", "account", b.account, "panic", r, "stack", string(debug.Stack()))
			replies, err = nil, panicError{r}
		}
	}()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.pipeline.Dispatch(ctx, msg)
}

func (b *Bridge) deliverOne(ctx context.Context, msg bus.InboundMessage, reply bus.ReplyPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return b.deliver.Deliver(ctx, msg, reply)
}

func (b *Bridge) markIdle(ctx context.Context, msg bus.InboundMessage) {
	m, ok := b.pipeline.(IdleMarker)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("imessage: mark idle panic", "account", b.account, "panic", r)
		}
	}()
	m.MarkIdle(ctx, msg)
}
