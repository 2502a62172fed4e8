package importer

import (
	"maps"
	"slices"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
)

// Hydrator copies directory data onto a local record without persisting it.
type Hydrator interface {
	Hydrate(obj *directory.Object, rec *store.Record, overrides map[string]any) error
}

// MappingHydrator hydrates records from a set of compiled field mappings.
//
// For each mapping an override value wins over the derived value, and a
// field whose attribute is absent is left unchanged. Overrides for fields
// that no mapping names are copied as-is after the mapped fields. The record
// is only written once every mapping has been evaluated, so a failed
// hydration leaves it untouched.
type MappingHydrator struct {
	mappings CompiledMappings
}

func NewMappingHydrator(mappings CompiledMappings) *MappingHydrator {
	return &MappingHydrator{mappings: mappings}
}

func (h *MappingHydrator) Hydrate(obj *directory.Object, rec *store.Record, overrides map[string]any) error {
	values := make(map[string]any, len(h.mappings))

	for _, m := range h.mappings {
		if v, ok := overrides[m.Field]; ok {
			values[m.Field] = v
			continue
		}

		v, ok, err := m.derive(obj)
		if err != nil {
			return &HydrationError{Field: m.Field, RDN: obj.RDN, Err: err}
		}
		if !ok {
			if m.Required {
				return &HydrationError{Field: m.Field, RDN: obj.RDN, Err: ErrAttributeMissing}
			}
			continue
		}
		values[m.Field] = v
	}

	if rec.GUID == "" {
		rec.GUID = obj.GUID
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]any, len(values))
	}

	for _, m := range h.mappings {
		if v, ok := values[m.Field]; ok {
			rec.Attributes[m.Field] = v
		}
	}

	mapped := h.mappings.Fields()
	for _, field := range slices.Sorted(maps.Keys(overrides)) {
		if !slices.Contains(mapped, field) {
			rec.Attributes[field] = overrides[field]
		}
	}

	return nil
}
