package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"duochat/internal/metrics"
	"duochat/internal/user"
)

// Router persists messages and routes them to the live connections of the
// two parties. Ordinary sends are delivered to participants only; admin
// edits and deletes are broadcast to every connection.
type Router struct {
	store     Store
	registry  *Registry
	refresher *Refresher
	timeout   time.Duration
	metrics   *metrics.Hub
	log       *zap.Logger
}

func NewRouter(store Store, registry *Registry, refresher *Refresher, timeout time.Duration, m *metrics.Hub, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		store:     store,
		registry:  registry,
		refresher: refresher,
		timeout:   timeout,
		metrics:   m,
		log:       log,
	}
}

// storeContext detaches from ctx's cancellation so a write that has started
// completes even if the sender's connection goes away.
func (r *Router) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

// Send persists a message from sender to recipientID, delivers it to
// whichever party is connected and refreshes both conversation lists. A
// message that fails to persist is delivered to no one.
func (r *Router) Send(ctx context.Context, sender user.Identity, recipientID int, content string) (*Message, error) {
	start := time.Now()
	if recipientID <= 0 || recipientID == sender.ID {
		return nil, ErrInvalidRecipient
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	sctx, cancel := r.storeContext(ctx)
	msg, err := r.store.CreateMessage(sctx, sender.ID, recipientID, content)
	cancel()
	if err != nil {
		if errors.Is(err, ErrInvalidRecipient) {
			return nil, err
		}
		r.log.Error("persist message", zap.Int("sender_id", sender.ID), zap.Int("recipient_id", recipientID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	frame, err := json.Marshal(MessageEvent{Type: EventNewMessage, Message: msg})
	if err != nil {
		return msg, err
	}
	r.Deliver(msg.SenderID, frame)
	r.Deliver(msg.RecipientID, frame)

	r.refresher.Schedule(msg.SenderID)
	r.refresher.Schedule(msg.RecipientID)

	r.metrics.MessageSent(time.Since(start))
	return msg, nil
}

// Deliver pushes frame to userID's connection if there is one. Delivery is
// best effort; the persisted record is the source of truth.
func (r *Router) Deliver(userID int, frame []byte) bool {
	conn, ok := r.registry.Get(userID)
	if !ok {
		return false
	}
	if !conn.Deliver(frame) {
		r.log.Debug("delivery dropped", zap.Int("user_id", userID))
		return false
	}
	return true
}

// Broadcast pushes frame to every registered connection.
func (r *Router) Broadcast(frame []byte) int {
	return r.BroadcastExcept(frame, nil)
}

// BroadcastExcept pushes frame to every registered connection but skip.
func (r *Router) BroadcastExcept(frame []byte, skip Conn) int {
	n := 0
	for _, conn := range r.registry.Snapshot() {
		if skip != nil && conn == skip {
			continue
		}
		if conn.Deliver(frame) {
			n++
		}
	}
	return n
}

func (r *Router) broadcastEvent(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		r.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	r.Broadcast(frame)
}

// Edit replaces a message's content. Only administrators may edit; the
// result is broadcast to every connected client.
func (r *Router) Edit(ctx context.Context, editor user.Identity, messageID int, content string) (*Message, error) {
	if !editor.IsAdmin {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	sctx, cancel := r.storeContext(ctx)
	msg, err := r.store.EditMessage(sctx, messageID, editor.ID, content)
	cancel()
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.log.Info("message edited", zap.Int("message_id", msg.ID), zap.Int("editor_id", editor.ID))
	r.broadcastEvent(MessageEvent{Type: EventMessageEdited, Message: msg})
	r.refresher.Schedule(msg.SenderID)
	r.refresher.Schedule(msg.RecipientID)
	return msg, nil
}

// Delete removes a message. Only administrators may delete; the removal is
// broadcast to every connected client.
func (r *Router) Delete(ctx context.Context, editor user.Identity, messageID int) error {
	if !editor.IsAdmin {
		return ErrForbidden
	}

	sctx, cancel := r.storeContext(ctx)
	msg, err := r.store.DeleteMessage(sctx, messageID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.log.Info("message deleted", zap.Int("message_id", msg.ID), zap.Int("editor_id", editor.ID))
	r.broadcastEvent(MessageDeletedEvent{Type: EventMessageDeleted, MessageID: msg.ID})
	r.refresher.Schedule(msg.SenderID)
	r.refresher.Schedule(msg.RecipientID)
	return nil
}
