package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/pkg/protocol"
)

const gatewayHandshakeTimeout = 10 * time.Second

var errGatewayShutdown = errors.New("gateway shutting down")

// GatewayPipeline runs messages through a goclaw gateway over its WebSocket
// RPC: one connect handshake per connection, then one chat.send per message.
// The connection is reused and re-dialed after any error.
type GatewayPipeline struct {
	url     string
	token   string
	agentID string
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewGatewayPipeline creates a pipeline for the gateway at url.
func NewGatewayPipeline(url, token, agentID string) *GatewayPipeline {
	return &GatewayPipeline{
		url:     url,
		token:   token,
		agentID: agentID,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: gatewayHandshakeTimeout,
		},
	}
}

// Dispatch sends msg with chat.send and waits for the matching response.
func (g *GatewayPipeline) Dispatch(ctx context.Context, msg bus.InboundMessage) ([]bus.ReplyPayload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, err := g.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	replies, err := g.chatSend(ctx, conn, msg)
	if err != nil {
		g.closeLocked()
		return nil, err
	}
	return replies, nil
}

// Health calls the gateway health method over the shared connection.
func (g *GatewayPipeline) Health(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, err := g.connLocked(ctx)
	if err != nil {
		return err
	}
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "health-" + uuid.NewString()[:8],
		Method: protocol.MethodHealth,
	}
	if err := conn.WriteJSON(req); err != nil {
		g.closeLocked()
		return fmt.Errorf("send health: %w", err)
	}
	resp, err := readResponse(ctx, conn, req.ID)
	if err != nil {
		g.closeLocked()
		return err
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("gateway unhealthy: %w", resp.Error)
		}
		return fmt.Errorf("gateway unhealthy")
	}
	return nil
}

// Close drops the gateway connection.
func (g *GatewayPipeline) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
	return nil
}

func (g *GatewayPipeline) closeLocked() {
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
}

func (g *GatewayPipeline) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if g.conn != nil {
		return g.conn, nil
	}

	conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", g.url, err)
	}
	if err := wsConnect(ctx, conn, g.token); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway auth: %w", err)
	}
	slog.Info("imessage: gateway connected", "url", g.url)
	g.conn = conn
	return conn, nil
}

// wsConnect sends the connect RPC and waits for auth response.
func wsConnect(ctx context.Context, conn *websocket.Conn, token string) error {
	params := map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"client":   "goclaw-imessage",
	}
	if token != "" {
		params["token"] = token
	}
	paramsJSON, _ := json.Marshal(params)

	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: paramsJSON,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	resp, err := readResponse(ctx, conn, req.ID)
	if err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}
	return nil
}

func (g *GatewayPipeline) chatSend(ctx context.Context, conn *websocket.Conn, msg bus.InboundMessage) ([]bus.ReplyPayload, error) {
	reqID := uuid.NewString()[:8]
	params, err := json.Marshal(map[string]interface{}{
		"message":    FormatPrompt(msg),
		"agentId":    g.agentID,
		"sessionKey": msg.SessionKey,
		"stream":     false,
		"channel":    msg.Channel,
		"chatId":     msg.ChatID,
		"senderId":   msg.SenderID,
		"peerKind":   msg.PeerKind,
		"deliveryId": msg.DeliveryID,
		"media":      msg.Media,
		"metadata":   msg.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat.send: %w", err)
	}

	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send chat: %w", err)
	}

	resp, err := readResponse(ctx, conn, reqID)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, fmt.Errorf("agent error: %s", resp.Error.Message)
		}
		return nil, fmt.Errorf("agent error (unknown)")
	}
	return repliesFromPayload(resp.Payload), nil
}

// readResponse reads frames until the response for reqID arrives. Events
// and responses to other requests are skipped.
func readResponse(ctx context.Context, conn *websocket.Conn, reqID string) (*protocol.ResponseFrame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(raw)
		if frameType == protocol.FrameTypeEvent {
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err == nil && evt.Event == protocol.EventShutdown {
				return nil, errGatewayShutdown
			}
			continue
		}
		if frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.ID != reqID {
			continue // response for a different request
		}
		return &resp, nil
	}
}

// repliesFromPayload extracts reply payloads from a chat.send response:
// "content" becomes a text reply, each "media" entry a file reply.
func repliesFromPayload(payload interface{}) []bus.ReplyPayload {
	p, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	var out []bus.ReplyPayload
	if content, ok := p["content"].(string); ok && content != "" {
		out = append(out, bus.ReplyPayload{Text: content})
	}
	if media, ok := p["media"].([]interface{}); ok {
		for _, m := range media {
			switch v := m.(type) {
			case string:
				if v != "" {
					out = append(out, bus.ReplyPayload{MediaPath: v})
				}
			case map[string]interface{}:
				if path, ok := v["path"].(string); ok && path != "" {
					out = append(out, bus.ReplyPayload{MediaPath: path})
				} else if path, ok := v["url"].(string); ok && path != "" {
					out = append(out, bus.ReplyPayload{MediaPath: path})
				}
			}
		}
	}
	return out
}
