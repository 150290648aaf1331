package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sessiond/core/internal/apperr"
	"github.com/sessiond/core/internal/db/dialect"
)

type memoryRow struct {
	ID             string    `db:"id"`
	RoomID         string    `db:"room_id"`
	Type           string    `db:"type"`
	Content        string    `db:"content"`
	Tags           string    `db:"tags"`
	Importance     string    `db:"importance"`
	SessionID      string    `db:"session_id"`
	TaskID         string    `db:"task_id"`
	CreatedAt      time.Time `db:"created_at"`
	LastAccessedAt time.Time `db:"last_accessed_at"`
	AccessCount    int       `db:"access_count"`
}

func (row *memoryRow) toMemory() (*Memory, error) {
	m := &Memory{
		ID:             row.ID,
		RoomID:         row.RoomID,
		Type:           MemoryType(row.Type),
		Content:        row.Content,
		Importance:     MemoryImportance(row.Importance),
		SessionID:      row.SessionID,
		TaskID:         row.TaskID,
		CreatedAt:      row.CreatedAt,
		LastAccessedAt: row.LastAccessedAt,
		AccessCount:    row.AccessCount,
	}
	if row.Tags != "" && row.Tags != "[]" {
		if err := json.Unmarshal([]byte(row.Tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to deserialize memory tags: %w", err)
		}
	}
	return m, nil
}

// AddMemory persists a new room memory, assigning an ID and timestamps.
func (s *Store) AddMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.LastAccessedAt = now
	if m.Importance == "" {
		m.Importance = ImportanceNormal
	}

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO memories (id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`), m.ID, m.RoomID, string(m.Type), m.Content, string(tagsJSON), string(m.Importance), m.SessionID, m.TaskID, m.CreatedAt, m.LastAccessedAt)
	return err
}

// MemoryFilter narrows ListMemories/SearchMemories to a subset of a room's
// memories. Zero values mean "don't filter on this field".
type MemoryFilter struct {
	Type       MemoryType
	Tags       []string
	Importance MemoryImportance
	Limit      int
}

// ListMemories returns a room's memories ordered by importance descending
// (compared as strings), then newest first, optionally filtered,
// recording an access against every memory returned. This is the recall
// path; use ListMemoriesPlain for an enumeration that shouldn't bump access
// accounting.
func (s *Store) ListMemories(ctx context.Context, roomID string, filter MemoryFilter) ([]*Memory, error) {
	memories, err := s.listMemories(ctx, roomID, filter)
	if err != nil {
		return nil, err
	}
	s.recordAccessMany(ctx, memories)
	return memories, nil
}

// ListMemoriesPlain returns a room's memories in the same order as
// ListMemories, optionally filtered, without recording an access. Backs a plain listing rather than
// a recall.
func (s *Store) ListMemoriesPlain(ctx context.Context, roomID string, filter MemoryFilter) ([]*Memory, error) {
	return s.listMemories(ctx, roomID, filter)
}

func (s *Store) listMemories(ctx context.Context, roomID string, filter MemoryFilter) ([]*Memory, error) {
	query := `SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE room_id = ?`
	args := []any{roomID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Importance != "" {
		query += ` AND importance = ?`
		args = append(args, string(filter.Importance))
	}
	for _, tag := range filter.Tags {
		query += ` AND tags LIKE ?`
		args = append(args, "%\""+tag+"\"%")
	}
	query += ` ORDER BY importance DESC, created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryMemories(ctx, query, args...)
}

// SearchMemories performs a literal substring search over memory content,
// matching special regex characters (like parentheses) as plain text rather
// than interpreting them.
func (s *Store) SearchMemories(ctx context.Context, roomID, substring string, limit int) ([]*Memory, error) {
	escaped := escapeLikePattern(substring)
	like := dialect.Like(s.driver)
	query := fmt.Sprintf(`
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE room_id = ? AND content %s ? ESCAPE '\' ORDER BY importance DESC, last_accessed_at DESC`, like)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	memories, err := s.queryMemories(ctx, query, roomID, "%"+escaped+"%")
	if err != nil {
		return nil, err
	}
	s.recordAccessMany(ctx, memories)
	return memories, nil
}

func escapeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// recordAccessMany bumps access_count and last_accessed_at for every
// memory a list/search call surfaces, the same accounting RecallMemory
// does for a single lookup by ID. Best-effort: a failure here doesn't fail
// the read it's backing.
func (s *Store) recordAccessMany(ctx context.Context, memories []*Memory) {
	if len(memories) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, m := range memories {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
		`), now, m.ID); err != nil {
			continue
		}
		m.AccessCount++
		m.LastAccessedAt = now
	}
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	var rows []memoryRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	memories := make([]*Memory, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMemory()
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// RecallMemory returns a single memory by ID and records the access,
// incrementing access_count and bumping last_accessed_at.
func (s *Store) RecallMemory(ctx context.Context, id string) (*Memory, error) {
	var row memoryRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Memory %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
	`), now, id); err != nil {
		return nil, err
	}
	row.AccessCount++
	row.LastAccessedAt = now
	return row.toMemory()
}

// GetMemoryByID returns a single memory owned by roomID without recording
// an access, the plain lookup backing getById rather than recall. A memory
// belonging to a different room is reported as not found, the same
// cross-room isolation DeleteMemory enforces.
func (s *Store) GetMemoryByID(ctx context.Context, roomID, id string) (*Memory, error) {
	var row memoryRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, room_id, type, content, tags, importance, session_id, task_id, created_at, last_accessed_at, access_count
		FROM memories WHERE id = ? AND room_id = ?
	`), id, roomID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundf("Memory %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toMemory()
}

// CountMemories returns the number of memories in a room, optionally
// narrowed to a single type.
func (s *Store) CountMemories(ctx context.Context, roomID string, memType MemoryType) (int, error) {
	query := `SELECT COUNT(*) FROM memories WHERE room_id = ?`
	args := []any{roomID}
	if memType != "" {
		query += ` AND type = ?`
		args = append(args, string(memType))
	}
	var count int
	if err := s.ro.GetContext(ctx, &count, s.ro.Rebind(query), args...); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteMemory removes a memory owned by roomID and reports whether a row
// was actually deleted. Deleting a memory that belongs to a different room
// (a foreign-room delete) is a no-op, not an error: it returns false
// without touching another room's data.
func (s *Store) DeleteMemory(ctx context.Context, roomID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM memories WHERE id = ? AND room_id = ?
	`), id, roomID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
