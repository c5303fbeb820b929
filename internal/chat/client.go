package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"duochat/internal/user"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 16 * 1024           // Maximum frame size allowed from peer.
	sendBuffer     = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
	log    *zap.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	// Only touched by the read loop.
	identity *user.Identity
	viewing  int
}

func NewClient(hub *Hub, conn *websocket.Conn, remote string) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: remote,
		log:    hub.log.With(zap.String("conn_id", id), zap.String("remote", remote)),
	}
}

// Deliver queues frame for the write loop. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.closeLocked(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}
}

// Close stops the write loop, which sends a close frame with code and
// reason. Only the first call has an effect.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Run starts the pumps. It returns immediately.
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump pumps frames from the websocket connection to the hub. Frames
// are handled one at a time, so a user's sends are routed in order.
func (c *Client) ReadPump() {
	defer func() {
		if c.identity != nil {
			c.hub.Disconnect(c.identity.ID, c)
		}
		c.Close(websocket.CloseNormalClosure, "")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}

		// A superseded or shut down connection must not act for its user.
		if c.isClosed() {
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			c.log.Warn("malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			c.sendError(ErrMalformedPayload)
			continue
		}
		c.handle(context.Background(), in)
	}
}

// WritePump pumps frames from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			// One frame per websocket message; clients parse each as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, in Inbound) {
	if in.Type == FrameAuth {
		c.handleAuth(ctx, in)
		return
	}
	if in.Type == FramePing {
		c.sendJSON(SimpleEvent{Type: EventPong})
		return
	}
	if c.identity == nil {
		c.sendError(ErrNotAuthenticated)
		return
	}
	id := *c.identity

	var err error
	switch in.Type {
	case FrameSendMessage:
		_, err = c.hub.router.Send(ctx, id, in.RecipientID, in.Content)

	case FrameJoinConversation:
		if c.viewing != 0 && c.viewing != in.OtherUserID {
			c.hub.LeaveConversation(id.ID, c.viewing)
		}
		if err = c.hub.JoinConversation(ctx, id.ID, in.OtherUserID); err == nil {
			c.viewing = in.OtherUserID
		}

	case FrameLeaveConversation:
		c.hub.LeaveConversation(id.ID, in.OtherUserID)
		if c.viewing == in.OtherUserID {
			c.viewing = 0
		}

	case FrameGetMessages:
		var msgs []Message
		if msgs, err = c.hub.History(ctx, id.ID, in.OtherUserID); err == nil {
			c.sendJSON(MessagesEvent{Type: EventMessages, OtherUserID: in.OtherUserID, Messages: msgs})
			err = c.hub.MarkRead(ctx, id.ID, in.OtherUserID)
		}

	case FrameMarkRead:
		err = c.hub.MarkRead(ctx, id.ID, in.OtherUserID)

	case FrameEditMessage:
		_, err = c.hub.router.Edit(ctx, id, in.MessageID, in.Content)

	case FrameDeleteMessage:
		err = c.hub.router.Delete(ctx, id, in.MessageID)

	default:
		err = fmt.Errorf("%w: unknown frame type %q", ErrMalformedPayload, in.Type)
	}

	if err != nil {
		c.log.Debug("frame failed", zap.String("type", in.Type), zap.Int("user_id", id.ID), zap.Error(err))
		c.sendError(err)
	}
}

func (c *Client) handleAuth(ctx context.Context, in Inbound) {
	if c.identity != nil {
		c.sendJSON(AuthSuccessEvent{Type: EventAuthSuccess, User: *c.identity})
		return
	}

	id, err := c.hub.Authenticate(ctx, in.Username, in.Credential, c.remote)
	if err != nil {
		c.log.Info("auth failed", zap.String("username", in.Username), zap.Error(err))
		c.sendJSON(ErrorEvent{Type: EventAuthError, Code: ErrorCode(err), Error: err.Error()})
		return
	}

	prev, err := c.hub.Connect(id, c)
	if err != nil {
		c.sendError(err)
		c.Close(CloseCapacityExceeded, "connection capacity exceeded")
		return
	}
	c.identity = &id
	c.mu.Lock()
	c.log = c.log.With(zap.Int("user_id", id.ID))
	c.mu.Unlock()
	if prev != nil {
		prev.Close(CloseSuperseded, "replaced by a newer connection")
	}

	c.sendJSON(AuthSuccessEvent{Type: EventAuthSuccess, User: id})
	convs, err := c.hub.Conversations(ctx, id.ID)
	if err != nil {
		c.log.Warn("load conversations", zap.Error(err))
		convs = []ConversationSummary{}
	}
	c.sendJSON(ConversationsEvent{Type: EventConversationsList, Conversations: convs})
	c.sendJSON(OnlineUsersEvent{Type: EventOnlineUsers, UserIDs: c.hub.presence.Online()})
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal frame", zap.Error(err))
		return
	}
	c.Deliver(data)
}

func (c *Client) sendError(err error) {
	code := ErrorCode(err)
	c.hub.metrics.FrameError(code)
	msg := err.Error()
	if errors.Is(err, ErrPersistence) {
		msg = ErrPersistence.Error()
	}
	c.sendJSON(ErrorEvent{Type: EventError, Code: code, Error: msg})
}
