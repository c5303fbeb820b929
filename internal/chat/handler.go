package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "duochat/internal/middleware"
	"duochat/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handler struct {
	hub *Hub
	log *zap.Logger
}

func NewHandler(hub *Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: hub, log: log}
}

// ServeWs upgrades the request. The connection authenticates in-band with
// an auth frame, so no token is required here.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	NewClient(h.hub, conn, ratelimit.ClientIP(r)).Run()
}

// GetConversations returns the caller's conversation list.
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.hub.Conversations(r.Context(), id.ID)
	if err != nil {
		h.log.Error("list conversations", zap.Int("user_id", id.ID), zap.Error(err))
		http.Error(w, "Failed to load conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type startConversationRequest struct {
	OtherUserID int `json:"other_user_id"`
}

// StartConversation records a conversation with another user before any
// message is exchanged.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.hub.StartConversation(r.Context(), id.ID, req.OtherUserID)
	switch {
	case errors.Is(err, ErrInvalidRecipient):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.log.Error("start conversation", zap.Int("user_id", id.ID), zap.Int("other_id", req.OtherUserID), zap.Error(err))
		http.Error(w, "Failed to start conversation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"other_user_id": req.OtherUserID})
}

// GetChatHistory returns every message between the caller and otherUserID.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	otherID, err := strconv.Atoi(chi.URLParam(r, "otherUserID"))
	if err != nil || otherID <= 0 || otherID == id.ID {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	msgs, err := h.hub.History(r.Context(), id.ID, otherID)
	if err != nil {
		h.log.Error("load history", zap.Int("user_id", id.ID), zap.Int("other_id", otherID), zap.Error(err))
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
