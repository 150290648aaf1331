package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/sessiond/core/internal/apperr"
)

type sessionPairRow struct {
	ID               string    `db:"id"`
	RoomID           string    `db:"room_id"`
	RoomSessionID    string    `db:"room_session_id"`
	ManagerSessionID string    `db:"manager_session_id"`
	WorkerSessionID  string    `db:"worker_session_id"`
	Status           string    `db:"status"`
	CurrentTaskID    string    `db:"current_task_id"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (row *sessionPairRow) toPair() *SessionPair {
	return &SessionPair{
		ID:               row.ID,
		RoomID:           row.RoomID,
		RoomSessionID:    row.RoomSessionID,
		ManagerSessionID: row.ManagerSessionID,
		WorkerSessionID:  row.WorkerSessionID,
		Status:           SessionPairStatus(row.Status),
		CurrentTaskID:    row.CurrentTaskID,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

// CreateSessionPair binds a manager and worker session under a room.
func (s *Store) CreateSessionPair(ctx context.Context, p *SessionPair) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PairActive
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO session_pairs (id, room_id, room_session_id, manager_session_id, worker_session_id, status, current_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.RoomID, p.RoomSessionID, p.ManagerSessionID, p.WorkerSessionID, string(p.Status), p.CurrentTaskID, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetSessionPair retrieves a session pair by ID.
func (s *Store) GetSessionPair(ctx context.Context, id string) (*SessionPair, error) {
	var row sessionPairRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, room_id, room_session_id, manager_session_id, worker_session_id, status, current_task_id, created_at, updated_at
		FROM session_pairs WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Session pair %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toPair(), nil
}

// ListSessionPairsByRoom returns every pair belonging to a room, most
// recently updated first.
func (s *Store) ListSessionPairsByRoom(ctx context.Context, roomID string) ([]*SessionPair, error) {
	var rows []sessionPairRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, room_id, room_session_id, manager_session_id, worker_session_id, status, current_task_id, created_at, updated_at
		FROM session_pairs WHERE room_id = ? ORDER BY updated_at DESC
	`), roomID); err != nil {
		return nil, err
	}
	pairs := make([]*SessionPair, 0, len(rows))
	for i := range rows {
		pairs = append(pairs, rows[i].toPair())
	}
	return pairs, nil
}

// UpdateSessionPairStatus transitions a pair's status and current task.
func (s *Store) UpdateSessionPairStatus(ctx context.Context, id string, status SessionPairStatus, currentTaskID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE session_pairs SET status = ?, current_task_id = ?, updated_at = ? WHERE id = ?
	`), string(status), currentTaskID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("Session pair %s not found", id)
	}
	return nil
}

// CountActiveSessionPairs returns the number of non-terminal pairs in a
// room, the count the Room Agent compares against its concurrency limit
// before starting new work.
func (s *Store) CountActiveSessionPairs(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, s.ro.Rebind(`
		SELECT COUNT(*) FROM session_pairs WHERE room_id = ? AND status IN ('active', 'idle')
	`), roomID)
	return count, err
}
