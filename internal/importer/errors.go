package importer

import (
	"errors"
	"fmt"
)

// ErrAttributeMissing is wrapped by a HydrationError for a required mapping
// whose directory attribute is absent.
var ErrAttributeMissing = errors.New("required attribute is missing")

// DirectorySourceUnavailable is returned when the batch cannot be loaded. It
// is the only error that aborts a run.
type DirectorySourceUnavailable struct {
	Err error
}

func (e *DirectorySourceUnavailable) Error() string {
	return fmt.Sprintf("directory source unavailable: %v", e.Err)
}

func (e *DirectorySourceUnavailable) Unwrap() error {
	return e.Err
}

// MissingIdentifierError reports a directory object without a usable GUID.
type MissingIdentifierError struct {
	RDN string
}

func (e *MissingIdentifierError) Error() string {
	return fmt.Sprintf("directory object [%s] has no GUID", e.RDN)
}

// HydrationError reports a mapping that could not be applied to an object.
type HydrationError struct {
	Field string
	RDN   string
	Err   error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate field %q for [%s]: %v", e.Field, e.RDN, e.Err)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}

// UniquenessRaceError is returned when saving a record still violates the
// GUID uniqueness constraint after resolving it a second time.
type UniquenessRaceError struct {
	GUID string
	Err  error
}

func (e *UniquenessRaceError) Error() string {
	return fmt.Sprintf("guid %s was claimed concurrently: %v", e.GUID, e.Err)
}

func (e *UniquenessRaceError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a store failure for one object.
type PersistenceError struct {
	Op  string
	RDN string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.RDN, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
