package chat

import (
	"time"

	"duochat/internal/user"
)

// Message is a single persisted direct message. Only the store writes it;
// content and the edit fields change through EditMessage alone.
type Message struct {
	ID             int        `json:"id"`
	Content        string     `json:"content"`
	SenderID       int        `json:"senderId"`
	RecipientID    int        `json:"recipientId"`
	SenderUsername string     `json:"senderUsername"`
	Timestamp      time.Time  `json:"timestamp"`
	EditedBy       *int       `json:"editedBy,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// ConversationSummary is one row of a user's conversation list, derived
// from the message set.
type ConversationSummary struct {
	OtherUserID   int      `json:"otherUserId"`
	OtherUsername string   `json:"otherUsername"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
}

// ---------------------------------------------
// Websocket frames
// ---------------------------------------------

// Inbound frame types.
const (
	FrameAuth              = "auth"
	FrameSendMessage       = "send_message"
	FrameJoinConversation  = "join_conversation"
	FrameLeaveConversation = "leave_conversation"
	FrameGetMessages       = "get_messages"
	FrameMarkRead          = "mark_read"
	FrameEditMessage       = "edit_message"
	FrameDeleteMessage     = "delete_message"
	FramePing              = "ping"
)

// Outbound event types.
const (
	EventAuthSuccess          = "auth_success"
	EventAuthError            = "auth_error"
	EventConversationsList    = "conversations_list"
	EventConversationsUpdated = "conversations_updated"
	EventNewMessage           = "new_message"
	EventMessages             = "messages"
	EventMessageEdited        = "message_edited"
	EventMessageDeleted       = "message_deleted"
	EventPresenceUpdate       = "presence_update"
	EventPresenceStatus       = "presence_status"
	EventOnlineUsers          = "online_users"
	EventError                = "error"
	EventPong                 = "pong"
)

// Inbound is the flat envelope every client frame is decoded into. Which
// fields are meaningful depends on Type.
type Inbound struct {
	Type        string `json:"type"`
	Username    string `json:"username,omitempty"`
	Credential  string `json:"credential,omitempty"`
	RecipientID int    `json:"recipientId,omitempty"`
	OtherUserID int    `json:"otherUserId,omitempty"`
	MessageID   int    `json:"messageId,omitempty"`
	Content     string `json:"content,omitempty"`
}

type AuthSuccessEvent struct {
	Type string        `json:"type"`
	User user.Identity `json:"user"`
}

type ConversationsEvent struct {
	Type          string                `json:"type"`
	Conversations []ConversationSummary `json:"conversations"`
}

type MessageEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

type MessageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID int    `json:"messageId"`
}

type MessagesEvent struct {
	Type        string    `json:"type"`
	OtherUserID int       `json:"otherUserId"`
	Messages    []Message `json:"messages"`
}

type PresenceEvent struct {
	Type   string `json:"type"`
	UserID int    `json:"userId"`
	Status Status `json:"status"`
}

type OnlineUsersEvent struct {
	Type    string `json:"type"`
	UserIDs []int  `json:"userIds"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type SimpleEvent struct {
	Type string `json:"type"`
}
