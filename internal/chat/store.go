package chat

import "context"

// Store is the durable conversation store. It is the only component that
// writes messages; everything else reads through it.
type Store interface {
	CreateMessage(ctx context.Context, senderID, recipientID int, content string) (*Message, error)
	GetConversationMessages(ctx context.Context, userA, userB int) ([]Message, error)
	GetConversations(ctx context.Context, userID int) ([]ConversationSummary, error)
	EditMessage(ctx context.Context, messageID, editorID int, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID int) (*Message, error)
	// MarkRead marks every message from otherID to readerID as read.
	MarkRead(ctx context.Context, readerID, otherID int) error
	// SaveConversation records the pair for both users so it is listed
	// before any message exists.
	SaveConversation(ctx context.Context, userA, userB int) error
}
