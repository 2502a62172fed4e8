package importer

import (
	"context"
	"errors"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// Resolver matches directory objects to local records by GUID.
type Resolver struct {
	store store.Store
}

func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// FindOrCreate returns the record holding obj's GUID, or a new unsaved
// record carrying the GUID when there is none. created reports the latter.
// Trashed records are matched when the store supports soft delete, so a
// disable and re-enable cycle never duplicates a row.
func (r *Resolver) FindOrCreate(ctx context.Context, obj *directory.Object) (rec *store.Record, created bool, err error) {
	if obj.GUID == "" {
		return nil, false, &MissingIdentifierError{RDN: obj.RDN}
	}

	rec, err = r.store.FindByGUID(ctx, obj.GUID, r.store.SupportsSoftDelete())
	switch {
	case err == nil:
		return rec, false, nil
	case errors.Is(err, store.ErrNotFound):
		return store.NewRecord(obj.GUID), true, nil
	default:
		return nil, false, &PersistenceError{Op: "find record", RDN: obj.RDN, Err: err}
	}
}
