package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/staysync/internal/shared/domain"
)

const (
	// AggregateTypeReservation is the aggregate type for reservation records.
	AggregateTypeReservation = "reservation"

	// Event routing keys
	RoutingKeyReservationCreated  = "reservation.created"
	RoutingKeyReservationModified = "reservation.modified"
	RoutingKeyReservationRemoved  = "reservation.removed"
)

// ReservationChangedEvent is published for every applied transition.
// Downstream job management consumes it to create, move or cancel jobs.
type ReservationChangedEvent struct {
	sharedDomain.BaseEvent
	UID           UID           `json:"uid"`
	Source        string        `json:"source"`
	PropertyRef   string        `json:"property_ref"`
	Status        Status        `json:"status"`
	EntryType     EntryType     `json:"entry_type"`
	ServiceType   string        `json:"service_type"`
	CheckIn       string        `json:"check_in"`
	CheckOut      string        `json:"check_out"`
	PreviousIn    string        `json:"previous_check_in,omitempty"`
	PreviousOut   string        `json:"previous_check_out,omitempty"`
	ServiceFields ServiceFields `json:"service_fields,omitempty"`
	Flags         DerivedFlags  `json:"flags"`
}

// NewReservationChangedEvent builds the event for next superseding previous.
// The routing key follows next's status.
func NewReservationChangedEvent(previous *ReservationRecord, next ReservationRecord, at time.Time) ReservationChangedEvent {
	key := RoutingKeyReservationCreated
	switch next.Status {
	case StatusModified:
		key = RoutingKeyReservationModified
	case StatusRemoved:
		key = RoutingKeyReservationRemoved
	}

	evt := ReservationChangedEvent{
		BaseEvent:     sharedDomain.NewBaseEvent(next.ID, AggregateTypeReservation, key, at),
		UID:           next.UID,
		Source:        next.Source,
		PropertyRef:   next.PropertyRef,
		Status:        next.Status,
		EntryType:     next.EntryType,
		ServiceType:   next.ServiceType,
		CheckIn:       FormatDate(next.CheckIn),
		CheckOut:      FormatDate(next.CheckOut),
		ServiceFields: next.ServiceFields,
		Flags:         next.Flags,
	}
	if previous != nil {
		evt.PreviousIn = FormatDate(previous.CheckIn)
		evt.PreviousOut = FormatDate(previous.CheckOut)
	}
	return evt
}
