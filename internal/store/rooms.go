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

type roomRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	AllowedPaths string `db:"allowed_paths"`
	DefaultPath  string `db:"default_path"`
}

func (row *roomRow) toRoom() (*Room, error) {
	r := &Room{ID: row.ID, Name: row.Name, DefaultPath: row.DefaultPath}
	if row.AllowedPaths != "" && row.AllowedPaths != "[]" {
		if err := json.Unmarshal([]byte(row.AllowedPaths), &r.AllowedPaths); err != nil {
			return nil, fmt.Errorf("failed to deserialize room allowed paths: %w", err)
		}
	}
	return r, nil
}

// CreateRoom persists a new room, assigning an ID if unset.
func (s *Store) CreateRoom(ctx context.Context, r *Room) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	pathsJSON, err := json.Marshal(r.AllowedPaths)
	if err != nil {
		pathsJSON = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO rooms (id, name, allowed_paths, default_path) VALUES (?, ?, ?, ?)
	`), r.ID, r.Name, string(pathsJSON), r.DefaultPath)
	if err != nil {
		return err
	}

	// Every room starts its Room Agent idle with no active work.
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO room_agent_states (room_id, lifecycle_state, last_activity_at, active_session_pair_ids, pending_actions)
		VALUES (?, ?, ?, '[]', '[]')
	`), r.ID, string(RoomIdle), now)
	return err
}

// GetRoom retrieves a room by ID.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var row roomRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, name, allowed_paths, default_path FROM rooms WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Room %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toRoom()
}

// ListRooms returns every room.
func (s *Store) ListRooms(ctx context.Context) ([]*Room, error) {
	var rows []roomRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT id, name, allowed_paths, default_path FROM rooms ORDER BY name ASC`); err != nil {
		return nil, err
	}
	rooms := make([]*Room, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRoom()
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// DeleteRoom removes a room along with its agent state, memories, pairs,
// goals, and tasks, all inside one transaction.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM rooms WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperr.NotFoundf("Room %s not found", id)
		}
		for _, table := range []string{"room_agent_states", "memories", "session_pairs", "goals", "tasks"} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE room_id = ?`, table)), id); err != nil {
				return err
			}
		}
		return nil
	})
}
