// Package memory implements the Memory Store (component H): per-room
// tagged memory CRUD, filtered recall, substring search, and access
// accounting, all scoped so one room can never read or mutate another's
// records.
package memory

import (
	"context"

	"github.com/sessiond/core/internal/store"
)

// Store wraps the persistence layer's memory operations with the
// room-isolation and ordering rules a caller should never have to get
// wrong by hand.
type Store struct {
	store *store.Store
}

// New creates a Store backed by st.
func New(st *store.Store) *Store {
	return &Store{store: st}
}

// Filter narrows Recall/List to a subset of a room's memories.
type Filter struct {
	Type       store.MemoryType
	Tags       []string
	Importance store.MemoryImportance
	Limit      int
}

// Add persists a new room memory.
func (s *Store) Add(ctx context.Context, m *store.Memory) error {
	return s.store.AddMemory(ctx, m)
}

// Recall returns a room's memories ordered by (importance DESC, createdAt
// DESC), narrowed by filter, recording an access against every record it
// returns.
func (s *Store) Recall(ctx context.Context, roomID string, filter Filter) ([]*store.Memory, error) {
	return s.store.ListMemories(ctx, roomID, store.MemoryFilter{
		Type:       filter.Type,
		Tags:       filter.Tags,
		Importance: filter.Importance,
		Limit:      filter.Limit,
	})
}

// List returns a room's memories, optionally narrowed to a single type,
// without recording an access — the plain enumeration operation distinct
// from Recall's accounting.
func (s *Store) List(ctx context.Context, roomID string, memType store.MemoryType) ([]*store.Memory, error) {
	return s.store.ListMemoriesPlain(ctx, roomID, store.MemoryFilter{Type: memType})
}

// Search performs a case-insensitive literal substring search over a
// room's memory content, ordered by (importance DESC, lastAccessedAt
// DESC), recording an access against every record it returns.
func (s *Store) Search(ctx context.Context, roomID, substring string, limit int) ([]*store.Memory, error) {
	return s.store.SearchMemories(ctx, roomID, substring, limit)
}

// GetByID returns a single memory owned by roomID without recording an
// access. A memory belonging to another room is reported as not found.
func (s *Store) GetByID(ctx context.Context, roomID, id string) (*store.Memory, error) {
	return s.store.GetMemoryByID(ctx, roomID, id)
}

// RecordAccess explicitly increments a memory's access count and bumps its
// last-accessed timestamp, the accounting Recall/Search apply automatically
// to every record they surface.
func (s *Store) RecordAccess(ctx context.Context, id string) (*store.Memory, error) {
	return s.store.RecallMemory(ctx, id)
}

// Delete removes a memory owned by roomID, reporting false (not an error)
// for a foreign-room or unknown id.
func (s *Store) Delete(ctx context.Context, roomID, id string) (bool, error) {
	return s.store.DeleteMemory(ctx, roomID, id)
}

// Count returns the number of memories in a room, optionally narrowed to a
// single type.
func (s *Store) Count(ctx context.Context, roomID string, memType store.MemoryType) (int, error) {
	return s.store.CountMemories(ctx, roomID, memType)
}
