package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sessiond/core/internal/apperr"
)

type sdkMessageRow struct {
	UUID            string    `db:"uuid"`
	SessionID       string    `db:"session_id"`
	Type            string    `db:"type"`
	ParentToolUseID string    `db:"parent_tool_use_id"`
	Content         string    `db:"content"`
	ServerTimestamp time.Time `db:"server_timestamp"`
	CreatedAt       time.Time `db:"created_at"`
}

func (row *sdkMessageRow) toMessage() *SDKMessage {
	return &SDKMessage{
		UUID:            row.UUID,
		SessionID:       row.SessionID,
		Type:            SDKMessageType(row.Type),
		ParentToolUseID: row.ParentToolUseID,
		Content:         row.Content,
		ServerTimestamp: row.ServerTimestamp,
		CreatedAt:       row.CreatedAt,
	}
}

// AppendSDKMessage inserts an agent stream message. The (uuid, session_id)
// pair is the primary key: replaying the same message for the same session
// after a reconnect is a no-op rather than a duplicate row or an error.
func (s *Store) AppendSDKMessage(ctx context.Context, msg *SDKMessage) error {
	if msg.UUID == "" {
		msg.UUID = uuid.New().String()
	}
	now := time.Now().UTC()
	if msg.ServerTimestamp.IsZero() {
		msg.ServerTimestamp = now
	}
	msg.CreatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sdk_messages (uuid, session_id, type, parent_tool_use_id, content, server_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid, session_id) DO NOTHING
	`), msg.UUID, msg.SessionID, string(msg.Type), msg.ParentToolUseID, msg.Content, msg.ServerTimestamp, msg.CreatedAt)
	return err
}

// ListSDKMessages returns a session's agent stream ordered by arrival, the
// ordering a client replays on reconnect to rebuild its view deterministically.
func (s *Store) ListSDKMessages(ctx context.Context, sessionID string, limit int) ([]*SDKMessage, error) {
	query := `
		SELECT uuid, session_id, type, parent_tool_use_id, content, server_timestamp, created_at
		FROM sdk_messages WHERE session_id = ? ORDER BY server_timestamp ASC, uuid ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []sdkMessageRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), sessionID); err != nil {
		return nil, err
	}
	messages := make([]*SDKMessage, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toMessage())
	}
	return messages, nil
}

type userMessageRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Content   string    `db:"content"`
	Images    string    `db:"images"`
	CreatedAt time.Time `db:"created_at"`
}

func (row *userMessageRow) toMessage() (*UserMessage, error) {
	msg := &UserMessage{
		ID:        row.ID,
		SessionID: row.SessionID,
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
	}
	if row.Images != "" && row.Images != "[]" {
		if err := json.Unmarshal([]byte(row.Images), &msg.Images); err != nil {
			return nil, fmt.Errorf("failed to deserialize user message images: %w", err)
		}
	}
	return msg, nil
}

// CreateUserMessage persists a human-authored message, assigning an ID and
// timestamp if unset.
func (s *Store) CreateUserMessage(ctx context.Context, msg *UserMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()

	imagesJSON, err := json.Marshal(msg.Images)
	if err != nil {
		imagesJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO user_messages (id, session_id, content, images, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Content, string(imagesJSON), msg.CreatedAt)
	return err
}

// DeleteMessagesAfter removes every SDK message strictly newer than
// after, backing the Rewind Engine's conversation-mode rewind, and returns
// the number of rows removed.
func (s *Store) DeleteMessagesAfter(ctx context.Context, sessionID string, after time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM sdk_messages WHERE session_id = ? AND server_timestamp > ?
	`), sessionID, after)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// GetUserMessage retrieves a single user message by ID.
func (s *Store) GetUserMessage(ctx context.Context, id string) (*UserMessage, error) {
	var row userMessageRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, session_id, content, images, created_at FROM user_messages WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("User message %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toMessage()
}

// ListUserMessages returns a session's human-authored messages in order.
func (s *Store) ListUserMessages(ctx context.Context, sessionID string) ([]*UserMessage, error) {
	var rows []userMessageRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, session_id, content, images, created_at
		FROM user_messages WHERE session_id = ? ORDER BY created_at ASC
	`), sessionID); err != nil {
		return nil, err
	}
	messages := make([]*UserMessage, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
