package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sessiond/core/internal/apperr"
)

type sessionRow struct {
	ID            string    `db:"id"`
	Title         string    `db:"title"`
	WorkspacePath string    `db:"workspace_path"`
	Status        string    `db:"status"`
	Config        string    `db:"config"`
	Metadata      string    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
	LastActiveAt  time.Time `db:"last_active_at"`
}

func (row *sessionRow) toSession() (*Session, error) {
	sess := &Session{
		ID:            row.ID,
		Title:         row.Title,
		WorkspacePath: row.WorkspacePath,
		Status:        SessionStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		LastActiveAt:  row.LastActiveAt,
	}
	if err := json.Unmarshal([]byte(row.Config), &sess.Config); err != nil {
		return nil, fmt.Errorf("failed to deserialize session config: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
	}
	return sess, nil
}

// CreateSession persists a new session, assigning an ID and timestamps if unset.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastActiveAt = now
	if sess.Status == "" {
		sess.Status = SessionPending
	}

	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		configJSON = []byte("{}")
	}
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, title, workspace_path, status, config, metadata, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.Title, sess.WorkspacePath, string(sess.Status), string(configJSON), string(metadataJSON), sess.CreatedAt, sess.LastActiveAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, title, workspace_path, status, config, metadata, created_at, last_active_at
		FROM sessions WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toSession()
}

// ListSessions returns sessions ordered by most recently active first.
// If includeArchived is false, archived sessions are excluded.
func (s *Store) ListSessions(ctx context.Context, includeArchived bool) ([]*Session, error) {
	query := `SELECT id, title, workspace_path, status, config, metadata, created_at, last_active_at FROM sessions`
	if !includeArchived {
		query += ` WHERE status != 'archived'`
	}
	query += ` ORDER BY last_active_at DESC`

	var rows []sessionRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query)); err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// UpdateSession persists changes to an existing session's mutable fields.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		configJSON = []byte("{}")
	}
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET
			title = ?, workspace_path = ?, status = ?, config = ?, metadata = ?, last_active_at = ?
		WHERE id = ?
	`), sess.Title, sess.WorkspacePath, string(sess.Status), string(configJSON), string(metadataJSON), sess.LastActiveAt, sess.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("Session %s not found", sess.ID)
	}
	return nil
}

// TouchSession updates only the last-active timestamp, used on every
// incoming message or query activity without re-serializing config/metadata.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sessions SET last_active_at = ? WHERE id = ?`), at, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("Session %s not found", id)
	}
	return nil
}

// ArchiveSession marks a session archived, recording the archive time in metadata.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.Status = SessionArchived
	sess.Metadata.ArchivedAt = &now
	sess.LastActiveAt = now
	return s.UpdateSession(ctx, sess)
}

// DeleteSession permanently removes a session and its owned rows. The four
// deletes run inside a single transaction so a failure partway through never
// leaves orphaned sdk_messages/user_messages/checkpoints rows behind.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperr.NotFoundf("Session %s not found", id)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sdk_messages WHERE session_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_messages WHERE session_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM checkpoints WHERE session_id = ?`), id); err != nil {
			return err
		}
		return nil
	})
}

// CountMessagesByStatus returns the number of SDK messages of the given type
// recorded for a session, backing the session.messages.countByStatus RPC.
func (s *Store) CountMessagesByStatus(ctx context.Context, sessionID string, msgType SDKMessageType) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, s.ro.Rebind(`
		SELECT COUNT(*) FROM sdk_messages WHERE session_id = ? AND type = ?
	`), sessionID, string(msgType))
	return count, err
}
