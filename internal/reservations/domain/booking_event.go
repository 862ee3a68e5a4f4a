package domain

import (
	"strings"
	"time"
)

// EntryType distinguishes guest stays from owner or maintenance blocks.
type EntryType string

const (
	EntryReservation EntryType = "Reservation"
	EntryBlock       EntryType = "Block"
)

// IsValid reports whether the entry type is known.
func (t EntryType) IsValid() bool {
	return t == EntryReservation || t == EntryBlock
}

// ParseEntryType maps loose source labels onto an EntryType.
func ParseEntryType(s string) (EntryType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reservation", "booking", "stay", "guest", "":
		return EntryReservation, true
	case "block", "blocked", "owner", "owner stay", "maintenance", "hold":
		return EntryBlock, true
	default:
		return "", false
	}
}

// Default service types applied when a source carries none.
const (
	ServiceTurnover    = "Turnover"
	ServiceNeedsReview = "NeedsReview"
)

// DefaultServiceType returns the service classification used when a source
// does not provide one.
func DefaultServiceType(t EntryType) string {
	if t == EntryBlock {
		return ServiceNeedsReview
	}
	return ServiceTurnover
}

// BookingEvent is the canonical form of one source entry, produced by a
// normalizer for every sync pass. Dates are UTC midnights.
type BookingEvent struct {
	Source           string    `json:"source" validate:"required"`
	PropertyRef      string    `json:"property_ref" validate:"required"`
	ExternalID       string    `json:"external_id,omitempty"`
	CheckIn          time.Time `json:"check_in" validate:"required"`
	CheckOut         time.Time `json:"check_out" validate:"required,gtefield=CheckIn"`
	EntryType        EntryType `json:"entry_type" validate:"required,oneof=Reservation Block"`
	ServiceType      string    `json:"service_type" validate:"required"`
	GuestOrOwnerName string    `json:"guest_or_owner_name,omitempty"`
	RawSummary       string    `json:"raw_summary,omitempty"`
}

// Scope returns the (source, property) pair the event belongs to.
func (e BookingEvent) Scope() Scope {
	return Scope{Source: e.Source, PropertyRef: e.PropertyRef}
}

// Nights returns the stay length in whole days.
func (e BookingEvent) Nights() int {
	return Nights(e.CheckIn, e.CheckOut)
}

// Date returns the UTC midnight for the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its calendar day, keeping the wall-clock date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// Nights counts calendar days between two dates.
func Nights(checkIn, checkOut time.Time) int {
	return int(DateOf(checkOut).Sub(DateOf(checkIn)).Hours() / 24)
}

// FormatDate renders a date as ISO 8601.
func FormatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

// ParseDate parses an ISO 8601 date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
