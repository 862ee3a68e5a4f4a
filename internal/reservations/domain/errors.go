package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreConflict is returned when the active record changed after it was read.
	ErrStoreConflict = errors.New("store conflict: active record changed since read")

	// ErrRecordNotFound is returned when no record matches a lookup.
	ErrRecordNotFound = errors.New("record not found")

	// ErrServiceFieldsLocked is returned when writing service fields on a
	// record that is not New or Modified.
	ErrServiceFieldsLocked = errors.New("service fields can only be written on New or Modified records")

	// ErrSourceNotFound is returned when a source id is unknown.
	ErrSourceNotFound = errors.New("source not found")
)

// SourceFetchError reports a failed retrieval of one source.
type SourceFetchError struct {
	SourceID   string
	Transient  bool
	StatusCode int
	Err        error
}

func (e *SourceFetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.SourceID, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.SourceID, kind, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// IsTransientFetch reports whether err is a fetch failure worth retrying.
func IsTransientFetch(err error) bool {
	var fe *SourceFetchError
	return errors.As(err, &fe) && fe.Transient
}

// NormalizationError reports one malformed raw entry. The entry is skipped.
// ExternalID and PropertyRef are set when the entry still names its booking.
type NormalizationError struct {
	SourceID    string
	Index       int
	ExternalID  string
	PropertyRef string
	Reason      string
	Err         error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s entry %d: %s: %v", e.SourceID, e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s entry %d: %s", e.SourceID, e.Index, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// ValidationError reports an event the diff engine refused.
type ValidationError struct {
	Scope  Scope
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %d in %s: %s %s", e.Index, e.Scope, e.Field, e.Reason)
}

// IdentityCollisionWarning records two events of one batch that resolved to
// the same UID. The later event wins.
type IdentityCollisionWarning struct {
	Scope       Scope
	UID         UID
	FirstIndex  int
	SecondIndex int
}

func (w IdentityCollisionWarning) String() string {
	return fmt.Sprintf("identity collision in %s: events %d and %d share uid %s", w.Scope, w.FirstIndex, w.SecondIndex, w.UID)
}

// StoreConflictError wraps ErrStoreConflict with the UID involved.
type StoreConflictError struct {
	UID UID
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("uid %s: %v", e.UID, ErrStoreConflict)
}

func (e *StoreConflictError) Unwrap() error { return ErrStoreConflict }

// StoreUnavailableError reports that the store could not serve an operation.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsStoreUnavailable reports whether err marks a store outage.
func IsStoreUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}
