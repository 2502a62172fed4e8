// Package store persists the local user records that directory objects are
// imported into.
package store

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Subsystem is the tflog subsystem used by the stores.
const Subsystem = "store"

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrUniqueViolation is returned by Save when another record already
	// holds the same GUID.
	ErrUniqueViolation = errors.New("record with this guid already exists")
	// ErrSoftDeleteUnsupported is returned by Trash and Restore on a store
	// configured without soft delete.
	ErrSoftDeleteUnsupported = errors.New("soft delete is not supported by this store")
)

// Record is the local counterpart of a directory object.
type Record struct {
	ID         string
	GUID       string
	Attributes map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// NewRecord returns an unsaved record for guid.
func NewRecord(guid string) *Record {
	return &Record{GUID: guid, Attributes: make(map[string]any)}
}

// Exists reports whether the record has been persisted.
func (r *Record) Exists() bool {
	return r.ID != ""
}

// Trashed reports whether the record is soft-deleted.
func (r *Record) Trashed() bool {
	return r.DeletedAt != nil
}

// Clone returns a copy of r. Attribute values are copied shallowly.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = maps.Clone(r.Attributes)
	if c.Attributes == nil {
		c.Attributes = make(map[string]any)
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Store is the persistence contract the importer depends on.
type Store interface {
	// FindByGUID returns the record holding guid, or ErrNotFound. Trashed
	// records are only considered when withTrashed is set.
	FindByGUID(ctx context.Context, guid string, withTrashed bool) (*Record, error)

	// Save inserts rec when it has no ID and updates it otherwise. created
	// reports whether this call inserted the row.
	Save(ctx context.Context, rec *Record) (created bool, err error)

	// Trash soft-deletes rec and sets its DeletedAt.
	Trash(ctx context.Context, rec *Record) error

	// Restore clears the soft-delete marker of rec.
	Restore(ctx context.Context, rec *Record) error

	// MissingIDs returns the IDs of non-trashed records with a GUID that is
	// not in seen.
	MissingIDs(ctx context.Context, seen []string) ([]string, error)

	// SupportsSoftDelete reports whether Trash and Restore are available.
	SupportsSoftDelete() bool
}

func seenSet(seen []string) map[string]struct{} {
	set := make(map[string]struct{}, len(seen))
	for _, guid := range seen {
		set[guid] = struct{}{}
	}
	return set
}
