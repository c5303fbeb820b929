package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"duochat/internal/metrics"
	"duochat/internal/ratelimit"
	"duochat/internal/user"
)

// Authenticator verifies a username and credential pair.
type Authenticator interface {
	VerifyCredential(ctx context.Context, username, credential string) (user.Identity, error)
}

// Options tunes a Hub. Zero values pick defaults.
type Options struct {
	MaxConnections int
	RefreshDelay   time.Duration
	StoreTimeout   time.Duration
	AuthLimiter    ratelimit.Limiter
	Metrics        *metrics.Hub
	Logger         *zap.Logger
}

// Hub owns all connection and presence state for the process.
type Hub struct {
	registry  *Registry
	presence  *Presence
	router    *Router
	refresher *Refresher
	store     Store
	auth      Authenticator
	limiter   ratelimit.Limiter
	metrics   *metrics.Hub
	log       *zap.Logger
	timeout   time.Duration

	// mu makes a registry change and the matching presence transition one
	// step, so concurrent connects and disconnects for a user cannot
	// interleave.
	mu sync.Mutex
}

func NewHub(store Store, auth Authenticator, opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	registry := NewRegistry(opts.MaxConnections)
	refresher := NewRefresher(store, registry, opts.RefreshDelay, opts.StoreTimeout, log.Named("refresher"))
	return &Hub{
		registry:  registry,
		presence:  NewPresence(),
		router:    NewRouter(store, registry, refresher, opts.StoreTimeout, opts.Metrics, log.Named("router")),
		refresher: refresher,
		store:     store,
		auth:      auth,
		limiter:   opts.AuthLimiter,
		metrics:   opts.Metrics,
		log:       log,
		timeout:   opts.StoreTimeout,
	}
}

func (h *Hub) Registry() *Registry   { return h.registry }
func (h *Hub) Presence() *Presence   { return h.presence }
func (h *Hub) Router() *Router       { return h.router }
func (h *Hub) Refresher() *Refresher { return h.refresher }

// Authenticate checks credentials presented over a connection from remote.
// Failures leave the connection usable for another attempt.
func (h *Hub) Authenticate(ctx context.Context, username, credential, remote string) (user.Identity, error) {
	if h.limiter != nil {
		ok, err := h.limiter.Allow(ctx, remote)
		if err != nil {
			h.log.Warn("auth limiter unavailable", zap.String("remote", remote), zap.Error(err))
		} else if !ok {
			h.metrics.AuthFailed()
			return user.Identity{}, ErrRateLimited
		}
	}

	id, err := h.auth.VerifyCredential(ctx, username, credential)
	if err != nil {
		h.metrics.AuthFailed()
		if errors.Is(err, user.ErrInvalidCredentials) {
			return user.Identity{}, ErrAuthFailed
		}
		h.log.Error("verify credential", zap.String("username", username), zap.Error(err))
		return user.Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return id, nil
}

// Connect registers c as id's live connection, marks the user online and
// broadcasts the change to everyone else. The replaced connection, if any,
// is returned for the transport to close; the conversations it was viewing
// are left on its behalf, since the new connection starts viewing nothing.
func (h *Hub) Connect(id user.Identity, c Conn) (Conn, error) {
	h.mu.Lock()
	prev, err := h.registry.Register(id.ID, c)
	if err != nil {
		h.mu.Unlock()
		h.metrics.Rejected("capacity")
		h.log.Warn("connection refused", zap.Int("user_id", id.ID), zap.Error(err))
		return nil, err
	}
	h.presence.SetOnline(id.ID)
	var left []int
	if prev != nil {
		left = h.presence.ClearActive(id.ID)
	}
	h.mu.Unlock()

	h.reportGauges()
	h.log.Info("user online", zap.Int("user_id", id.ID), zap.String("username", id.Username), zap.Bool("replaced", prev != nil))
	h.broadcastPresence(id.ID, StatusOnline, c)
	for _, otherID := range left {
		h.sendStatus(otherID, id.ID)
	}
	return prev, nil
}

// Disconnect removes c if it is still userID's registered connection and,
// only then, marks the user offline and broadcasts it. It reports whether
// the user went offline.
func (h *Hub) Disconnect(userID int, c Conn) bool {
	h.mu.Lock()
	removed := h.registry.Unregister(userID, c)
	if removed {
		h.presence.SetOffline(userID)
	}
	h.mu.Unlock()

	if !removed {
		return false
	}
	h.reportGauges()
	h.log.Info("user offline", zap.Int("user_id", userID))
	h.broadcastPresence(userID, StatusOffline, nil)
	return true
}

func (h *Hub) reportGauges() {
	h.metrics.SetConnections(h.registry.Len())
	h.metrics.SetOnline(len(h.presence.Online()))
}

// broadcastPresence tells every connection except skip about userID's new
// status.
func (h *Hub) broadcastPresence(userID int, status Status, skip Conn) {
	frame, err := json.Marshal(PresenceEvent{Type: EventPresenceUpdate, UserID: userID, Status: status})
	if err != nil {
		return
	}
	h.router.BroadcastExcept(frame, skip)
}

// JoinConversation marks userID as viewing the conversation with otherID,
// marks otherID's messages read and tells both sides the new status.
func (h *Hub) JoinConversation(ctx context.Context, userID, otherID int) error {
	if otherID <= 0 || otherID == userID {
		return ErrInvalidRecipient
	}
	h.presence.JoinConversation(userID, otherID, userID)

	if err := h.MarkRead(ctx, userID, otherID); err != nil {
		h.log.Warn("mark read on join", zap.Int("user_id", userID), zap.Int("other_id", otherID), zap.Error(err))
	}
	h.notifyConversationPresence(userID, otherID)
	return nil
}

// LeaveConversation reverses JoinConversation.
func (h *Hub) LeaveConversation(userID, otherID int) {
	if h.presence.LeaveConversation(userID, otherID, userID) {
		h.notifyConversationPresence(userID, otherID)
	}
}

// notifyConversationPresence sends each side how it sees the other.
func (h *Hub) notifyConversationPresence(userID, otherID int) {
	h.sendStatus(otherID, userID)
	h.sendStatus(userID, otherID)
}

// sendStatus pushes subjectID's status, as viewerID sees it, to viewerID.
func (h *Hub) sendStatus(viewerID, subjectID int) {
	frame, err := json.Marshal(PresenceEvent{
		Type:   EventPresenceStatus,
		UserID: subjectID,
		Status: h.presence.StatusOf(subjectID, viewerID, 0),
	})
	if err != nil {
		return
	}
	h.router.Deliver(viewerID, frame)
}

// StatusOf reports subjectID's presence as seen by viewerID.
func (h *Hub) StatusOf(subjectID, viewerID, viewingPartnerID int) Status {
	return h.presence.StatusOf(subjectID, viewerID, viewingPartnerID)
}

// MarkRead marks otherID's messages to readerID as read and refreshes the
// reader's conversation list.
func (h *Hub) MarkRead(ctx context.Context, readerID, otherID int) error {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.store.MarkRead(sctx, readerID, otherID)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	h.refresher.Schedule(readerID)
	return nil
}

// History returns every message between userID and otherID, oldest first.
func (h *Hub) History(ctx context.Context, userID, otherID int) ([]Message, error) {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	msgs, err := h.store.GetConversationMessages(sctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Conversations computes userID's conversation list without pushing it.
func (h *Hub) Conversations(ctx context.Context, userID int) ([]ConversationSummary, error) {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	convs, err := h.store.GetConversations(sctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if convs == nil {
		convs = []ConversationSummary{}
	}
	return convs, nil
}

// StartConversation saves the pair for both users and refreshes both lists.
func (h *Hub) StartConversation(ctx context.Context, userID, otherID int) error {
	if otherID <= 0 || otherID == userID {
		return ErrInvalidRecipient
	}
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.store.SaveConversation(sctx, userID, otherID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrInvalidRecipient) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	h.refresher.Schedule(userID)
	h.refresher.Schedule(otherID)
	return nil
}

// Shutdown closes every live connection. Their read loops then unregister
// them through Disconnect.
func (h *Hub) Shutdown() {
	h.log.Info("closing connections", zap.Ints("user_ids", h.registry.UserIDs()))
	for _, c := range h.registry.Snapshot() {
		c.Close(CloseShutdown, "server shutting down")
	}
}
