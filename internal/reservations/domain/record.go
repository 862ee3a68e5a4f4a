package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ReservationRecord version.
type Status string

const (
	StatusNew      Status = "New"
	StatusModified Status = "Modified"
	StatusRemoved  Status = "Removed"
	StatusOld      Status = "Old"
)

// IsActive reports whether a record in this status is the current version of its UID.
func (s Status) IsActive() bool {
	return s == StatusNew || s == StatusModified || s == StatusRemoved
}

// IsValid reports whether the status is known.
func (s Status) IsValid() bool {
	return s.IsActive() || s == StatusOld
}

// DerivedFlags are scheduling hints recomputed on every pass.
type DerivedFlags struct {
	Overlapping     bool `json:"overlapping"`
	SameDayTurnover bool `json:"same_day_turnover"`
	LongTermGuest   bool `json:"long_term_guest"`
	OwnerArriving   bool `json:"owner_arriving"`
}

// ServiceFields is the bag written by downstream job management
// (job identifiers, schedule overrides). It is carried between versions as is.
type ServiceFields map[string]string

// Clone returns an independent copy. A nil bag stays nil.
func (f ServiceFields) Clone() ServiceFields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// ReservationRecord is one persisted version of a reservation.
type ReservationRecord struct {
	ID               uuid.UUID
	UID              UID
	Source           string
	PropertyRef      string
	ExternalID       string
	EntryType        EntryType
	ServiceType      string
	CheckIn          time.Time
	CheckOut         time.Time
	GuestOrOwnerName string
	Status           Status
	ServiceFields    ServiceFields
	Flags            DerivedFlags
	CreatedAt        time.Time
	LastSyncedAt     time.Time
	// Revision counts in-place writes to this version. Superseding a
	// version requires the revision it was read at.
	Revision int
}

// Scope returns the (source, property) pair owning the record.
func (r ReservationRecord) Scope() Scope {
	return Scope{Source: r.Source, PropertyRef: r.PropertyRef}
}

// Nights returns the stay length in whole days.
func (r ReservationRecord) Nights() int {
	return Nights(r.CheckIn, r.CheckOut)
}

// IsActive reports whether this is the current version of its UID.
func (r ReservationRecord) IsActive() bool {
	return r.Status.IsActive()
}

// Differs reports whether the event changes any field that drives a new version.
// Guest names and derived flags are not compared.
func (r ReservationRecord) Differs(e BookingEvent) bool {
	return !r.CheckIn.Equal(e.CheckIn) ||
		!r.CheckOut.Equal(e.CheckOut) ||
		r.EntryType != e.EntryType ||
		r.ServiceType != e.ServiceType
}

// NewRecordFromEvent builds the first version for a newly seen UID.
// The store assigns the record ID.
func NewRecordFromEvent(uid UID, e BookingEvent, syncedAt time.Time) ReservationRecord {
	return ReservationRecord{
		UID:              uid,
		Source:           e.Source,
		PropertyRef:      e.PropertyRef,
		ExternalID:       e.ExternalID,
		EntryType:        e.EntryType,
		ServiceType:      e.ServiceType,
		CheckIn:          e.CheckIn,
		CheckOut:         e.CheckOut,
		GuestOrOwnerName: e.GuestOrOwnerName,
		Status:           StatusNew,
		CreatedAt:        syncedAt,
		LastSyncedAt:     syncedAt,
	}
}

// ModifiedBy clones the record into a Modified version carrying the event's
// values. Service fields are copied unchanged.
func (r ReservationRecord) ModifiedBy(e BookingEvent, syncedAt time.Time) ReservationRecord {
	next := r.successor(StatusModified, syncedAt)
	next.ExternalID = e.ExternalID
	next.EntryType = e.EntryType
	next.ServiceType = e.ServiceType
	next.CheckIn = e.CheckIn
	next.CheckOut = e.CheckOut
	next.GuestOrOwnerName = e.GuestOrOwnerName
	return next
}

// Removed clones the record into a Removed version.
func (r ReservationRecord) Removed(syncedAt time.Time) ReservationRecord {
	return r.successor(StatusRemoved, syncedAt)
}

func (r ReservationRecord) successor(status Status, syncedAt time.Time) ReservationRecord {
	next := r
	next.ID = uuid.Nil
	next.Status = status
	next.ServiceFields = r.ServiceFields.Clone()
	next.Flags = DerivedFlags{}
	next.CreatedAt = syncedAt
	next.LastSyncedAt = syncedAt
	next.Revision = 0
	return next
}
