package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the record store the sync engine writes through.
type Store interface {
	// FindActiveByUID returns the active version of uid in scope, or nil.
	FindActiveByUID(ctx context.Context, scope Scope, uid UID) (*ReservationRecord, error)

	// FindActiveByProperty returns every active record of a property, all sources.
	FindActiveByProperty(ctx context.Context, propertyRef string) ([]ReservationRecord, error)

	// ApplyTransition marks previous Old and inserts next as one conditional
	// write. It fails with ErrStoreConflict when previous is no longer the
	// active version of its UID, or when previous is nil and the UID already
	// has an active version. The stored next (with its ID) is returned.
	ApplyTransition(ctx context.Context, previous *ReservationRecord, next ReservationRecord) (ReservationRecord, error)

	// UpdateFlags replaces the derived flags of an active record in place.
	UpdateFlags(ctx context.Context, id uuid.UUID, flags DerivedFlags, syncedAt time.Time) error

	// PropertiesForSource lists properties holding active records of a source tag.
	PropertiesForSource(ctx context.Context, source string) ([]string, error)

	// ListEnabledSources returns the sources to fetch on a pass.
	ListEnabledSources(ctx context.Context) ([]SourceDescriptor, error)
}

// RecordRepository exposes history and the downstream write-back path.
type RecordRepository interface {
	// FindHistory returns every version of uid, oldest first.
	FindHistory(ctx context.Context, uid UID) ([]ReservationRecord, error)

	// SetServiceField writes one service field on the active version of uid.
	// Only New and Modified records accept writes.
	SetServiceField(ctx context.Context, uid UID, key, value string) error
}

// SourceRepository manages the source catalog.
type SourceRepository interface {
	UpsertSource(ctx context.Context, desc SourceDescriptor) error
	ListSources(ctx context.Context) ([]SourceDescriptor, error)
	SetSourceEnabled(ctx context.Context, id string, enabled bool) error
}
