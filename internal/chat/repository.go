package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `m.id, m.content, m.sender_id, m.recipient_id, u.username, m.created_at, m.edited_by, m.edited_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg      Message
		editedBy sql.NullInt64
		editedAt sql.NullTime
	)
	if err := row.Scan(&msg.ID, &msg.Content, &msg.SenderID, &msg.RecipientID, &msg.SenderUsername,
		&msg.Timestamp, &editedBy, &editedAt); err != nil {
		return nil, err
	}
	if editedBy.Valid {
		id := int(editedBy.Int64)
		msg.EditedBy = &id
	}
	if editedAt.Valid {
		t := editedAt.Time
		msg.EditedAt = &t
	}
	return &msg, nil
}

func (r *Repository) CreateMessage(ctx context.Context, senderID, recipientID int, content string) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		WITH m AS (
			INSERT INTO messages (sender_id, recipient_id, content)
			VALUES ($1, $2, $3)
			RETURNING id, content, sender_id, recipient_id, created_at, edited_by, edited_at
		)
		SELECT `+messageColumns+`
		FROM m JOIN users u ON u.id = m.sender_id`,
		senderID, recipientID, content)
	msg, err := scanMessage(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrInvalidRecipient
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := saveConversation(ctx, tx, senderID, recipientID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversationMessages returns the full history between two users,
// oldest first.
func (r *Repository) GetConversationMessages(ctx context.Context, userA, userB int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE (m.sender_id = $1 AND m.recipient_id = $2)
		   OR (m.sender_id = $2 AND m.recipient_id = $1)
		ORDER BY m.created_at, m.id`, userA, userB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// GetConversations derives userID's conversation list from the saved
// conversation records and the message set, most recent activity first.
func (r *Repository) GetConversations(ctx context.Context, userID int) ([]ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sc.other_id, ou.username,
		       lm.id, lm.content, lm.sender_id, lm.recipient_id, su.username,
		       lm.created_at, lm.edited_by, lm.edited_at,
		       (SELECT COUNT(*) FROM messages um
		         WHERE um.recipient_id = $1 AND um.sender_id = sc.other_id AND um.read_at IS NULL)
		FROM saved_conversations sc
		JOIN users ou ON ou.id = sc.other_id
		LEFT JOIN LATERAL (
			SELECT m.id, m.content, m.sender_id, m.recipient_id, m.created_at, m.edited_by, m.edited_at
			FROM messages m
			WHERE (m.sender_id = $1 AND m.recipient_id = sc.other_id)
			   OR (m.sender_id = sc.other_id AND m.recipient_id = $1)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN users su ON su.id = lm.sender_id
		WHERE sc.owner_id = $1
		ORDER BY COALESCE(lm.created_at, sc.created_at) DESC, sc.other_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []ConversationSummary{}
	for rows.Next() {
		var (
			c           ConversationSummary
			msgID       sql.NullInt64
			content     sql.NullString
			senderID    sql.NullInt64
			recipientID sql.NullInt64
			senderName  sql.NullString
			createdAt   sql.NullTime
			editedBy    sql.NullInt64
			editedAt    sql.NullTime
		)
		if err := rows.Scan(&c.OtherUserID, &c.OtherUsername, &msgID, &content, &senderID, &recipientID,
			&senderName, &createdAt, &editedBy, &editedAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		if msgID.Valid {
			last := &Message{
				ID:             int(msgID.Int64),
				Content:        content.String,
				SenderID:       int(senderID.Int64),
				RecipientID:    int(recipientID.Int64),
				SenderUsername: senderName.String,
				Timestamp:      createdAt.Time,
			}
			if editedBy.Valid {
				id := int(editedBy.Int64)
				last.EditedBy = &id
			}
			if editedAt.Valid {
				t := editedAt.Time
				last.EditedAt = &t
			}
			c.LastMessage = last
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *Repository) EditMessage(ctx context.Context, messageID, editorID int, content string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `
		WITH m AS (
			UPDATE messages SET content = $1, edited_by = $2, edited_at = $3
			WHERE id = $4
			RETURNING id, content, sender_id, recipient_id, created_at, edited_by, edited_at
		)
		SELECT `+messageColumns+`
		FROM m JOIN users u ON u.id = m.sender_id`,
		content, editorID, time.Now().UTC(), messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func (r *Repository) DeleteMessage(ctx context.Context, messageID int) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `
		WITH m AS (
			DELETE FROM messages WHERE id = $1
			RETURNING id, content, sender_id, recipient_id, created_at, edited_by, edited_at
		)
		SELECT `+messageColumns+`
		FROM m JOIN users u ON u.id = m.sender_id`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func (r *Repository) MarkRead(ctx context.Context, readerID, otherID int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages SET read_at = NOW()
		WHERE recipient_id = $1 AND sender_id = $2 AND read_at IS NULL`, readerID, otherID)
	return err
}

func (r *Repository) SaveConversation(ctx context.Context, userA, userB int) error {
	err := saveConversation(ctx, r.db, userA, userB)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrInvalidRecipient
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveConversation(ctx context.Context, db execer, userA, userB int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO saved_conversations (owner_id, other_id)
		VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING`, userA, userB)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}
