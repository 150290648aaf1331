package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/sessiond/core/internal/apperr"
)

// CreateCheckpoint records the start of a turn. TurnNumber must be strictly
// greater than every prior checkpoint's for the session: a lower or equal
// number is rejected with a validation error, and the unique index on
// (session_id, turn_number) also rejects a duplicate that races this check.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	var maxTurn sql.NullInt64
	if err := s.db.GetContext(ctx, &maxTurn, s.db.Rebind(`
		SELECT MAX(turn_number) FROM checkpoints WHERE session_id = ?
	`), cp.SessionID); err != nil {
		return err
	}
	if maxTurn.Valid && int64(cp.TurnNumber) <= maxTurn.Int64 {
		return apperr.Validationf("Checkpoint turn number %d must be greater than %d", cp.TurnNumber, maxTurn.Int64)
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO checkpoints (id, session_id, message_preview, turn_number, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`), cp.ID, cp.SessionID, cp.MessagePreview, cp.TurnNumber, cp.Timestamp)
	return err
}

type checkpointRow struct {
	ID             string    `db:"id"`
	SessionID      string    `db:"session_id"`
	MessagePreview string    `db:"message_preview"`
	TurnNumber     int       `db:"turn_number"`
	Timestamp      time.Time `db:"timestamp"`
}

func (row *checkpointRow) toCheckpoint() *Checkpoint {
	return &Checkpoint{
		ID:             row.ID,
		SessionID:      row.SessionID,
		MessagePreview: row.MessagePreview,
		TurnNumber:     row.TurnNumber,
		Timestamp:      row.Timestamp,
	}
}

// GetCheckpoint retrieves a single checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, session_id, message_preview, turn_number, timestamp
		FROM checkpoints WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Checkpoint %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toCheckpoint(), nil
}

// ListCheckpoints returns a session's checkpoints ordered oldest first,
// the order the Rewind Engine walks to build its preview list.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	var rows []checkpointRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, session_id, message_preview, turn_number, timestamp
		FROM checkpoints WHERE session_id = ? ORDER BY turn_number ASC
	`), sessionID); err != nil {
		return nil, err
	}
	checkpoints := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		checkpoints = append(checkpoints, rows[i].toCheckpoint())
	}
	return checkpoints, nil
}

// GetLatestCheckpoint returns the most recent checkpoint for a session.
func (s *Store) GetLatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, session_id, message_preview, turn_number, timestamp
		FROM checkpoints WHERE session_id = ? ORDER BY turn_number DESC LIMIT 1
	`), sessionID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Session %s has no checkpoints", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return row.toCheckpoint(), nil
}

// DeleteCheckpointsAfter removes every checkpoint with a turn number greater
// than turnNumber, discarding the tail a rewind supersedes.
func (s *Store) DeleteCheckpointsAfter(ctx context.Context, sessionID string, turnNumber int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM checkpoints WHERE session_id = ? AND turn_number > ?
	`), sessionID, turnNumber)
	return err
}
