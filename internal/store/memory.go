package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used for dry runs and tests.
type Memory struct {
	mu         sync.RWMutex
	records    map[string]*Record
	byGUID     map[string]string
	softDelete bool
	now        func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(softDelete bool) *Memory {
	return &Memory{
		records:    make(map[string]*Record),
		byGUID:     make(map[string]string),
		softDelete: softDelete,
		now:        time.Now,
	}
}

func (m *Memory) SupportsSoftDelete() bool {
	return m.softDelete
}

func (m *Memory) FindByGUID(_ context.Context, guid string, withTrashed bool) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byGUID[guid]
	if !ok {
		return nil, ErrNotFound
	}

	rec := m.records[id]
	if rec.Trashed() && !withTrashed {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Save(_ context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.byGUID[rec.GUID]; ok && rec.GUID != "" && owner != rec.ID {
		return false, ErrUniqueViolation
	}

	now := m.now()

	if !rec.Exists() {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		m.put(rec)
		return true, nil
	}

	stored, ok := m.records[rec.ID]
	if !ok {
		return false, ErrNotFound
	}
	if stored.GUID != rec.GUID {
		delete(m.byGUID, stored.GUID)
	}

	rec.UpdatedAt = now
	m.put(rec)
	return false, nil
}

func (m *Memory) put(rec *Record) {
	m.records[rec.ID] = rec.Clone()
	if rec.GUID != "" {
		m.byGUID[rec.GUID] = rec.ID
	}
}

func (m *Memory) Trash(_ context.Context, rec *Record) error {
	return m.setDeletedAt(rec, true)
}

func (m *Memory) Restore(_ context.Context, rec *Record) error {
	return m.setDeletedAt(rec, false)
}

func (m *Memory) setDeletedAt(rec *Record, trashed bool) error {
	if !m.softDelete {
		return ErrSoftDeleteUnsupported
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}

	now := m.now()
	stored.UpdatedAt = now
	stored.DeletedAt = nil
	if trashed {
		stored.DeletedAt = &now
	}

	rec.UpdatedAt = stored.UpdatedAt
	rec.DeletedAt = stored.Clone().DeletedAt
	return nil
}

func (m *Memory) MissingIDs(_ context.Context, seen []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := seenSet(seen)
	var missing []string
	for id, rec := range m.records {
		if rec.GUID == "" || rec.Trashed() {
			continue
		}
		if _, ok := set[rec.GUID]; !ok {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing, nil
}

// Len returns the number of stored records, trashed ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
