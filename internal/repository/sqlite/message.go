package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/repository"
)

var _ repository.MessageRepository = (*DB)(nil)

const messageColumns = `id, chatroom_id, author_id, text, is_chat, is_favorite, created_at, updated_at`

// CreateMessage inserts msg, generating its ID and timestamps. A chatroom
// deleted in the meantime surfaces as a foreign key violation.
func (db *DB) CreateMessage(ctx context.Context, msg *model.Message) error {
	now := time.Now().UTC()
	msg.ID = xid.New().String()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (id, chatroom_id, author_id, text, is_chat, is_favorite, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ChatroomID,
		msg.AuthorID,
		msg.Text,
		msg.IsChat,
		msg.IsFavorite,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		if cerr := constraintError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("sqlite: inserting message into %s: %w", msg.ChatroomID, err)
	}
	return nil
}

// GetMessageByID retrieves a single message.
func (db *DB) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("message", id)
		}
		return nil, fmt.Errorf("sqlite: getting message %s: %w", id, err)
	}
	return msg, nil
}

// UpdateMessage rewrites the message text.
func (db *DB) UpdateMessage(ctx context.Context, msg *model.Message) error {
	msg.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE messages SET text = ?, updated_at = ? WHERE id = ?`,
		msg.Text,
		msg.UpdatedAt,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating message %s: %w", msg.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("message", msg.ID)
	}
	return nil
}

// DeleteMessage removes a message by ID.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting message %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("message", id)
	}
	return nil
}

// ListMessages returns a page of a room's history, oldest first.
func (db *DB) ListMessages(ctx context.Context, chatroomID string, opts repository.ListOptions) ([]model.Message, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chatroom_id = ?
		 ORDER BY created_at, id
		 LIMIT ? OFFSET ?`,
		chatroomID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing messages of %s: %w", chatroomID, err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, opts.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(s scanner) (*model.Message, error) {
	var msg model.Message
	if err := s.Scan(
		&msg.ID,
		&msg.ChatroomID,
		&msg.AuthorID,
		&msg.Text,
		&msg.IsChat,
		&msg.IsFavorite,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
