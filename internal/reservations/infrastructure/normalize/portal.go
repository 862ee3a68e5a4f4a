package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// portalEntry is one reservation as scraped from an owner portal.
type portalEntry struct {
	Confirmation string `json:"confirmation"`
	Property     string `json:"property"`
	Arrival      string `json:"arrival"`
	Departure    string `json:"departure"`
	Guest        string `json:"guest"`
	Kind         string `json:"kind"`
	Service      string `json:"service"`
	Notes        string `json:"notes"`
}

// PortalNormalizer reads the JSON array produced by portal scrapers. Each
// element is decoded on its own so one bad entry does not sink the batch.
type PortalNormalizer struct{}

// NewPortalNormalizer returns a portal normalizer.
func NewPortalNormalizer() *PortalNormalizer {
	return &PortalNormalizer{}
}

func (n *PortalNormalizer) Normalize(src domain.SourceDescriptor, payload []byte) ([]domain.BookingEvent, []error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, []error{&domain.NormalizationError{SourceID: src.ID, Index: -1, Reason: "payload is not a JSON array", Err: err}}
	}

	var (
		events []domain.BookingEvent
		errs   []error
	)
	for i, msg := range raw {
		var entry portalEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			errs = append(errs, &domain.NormalizationError{SourceID: src.ID, Index: i, Reason: "malformed entry", Err: err})
			continue
		}
		e, err := n.entry(src, i, entry)
		if err != nil {
			errs = append(errs, identify(err, entry.Confirmation, entry.Property))
			continue
		}
		events = append(events, e)
	}
	return events, errs
}

func (n *PortalNormalizer) entry(src domain.SourceDescriptor, index int, entry portalEntry) (domain.BookingEvent, error) {
	arrival, err := parseDate(entry.Arrival)
	if err != nil {
		return domain.BookingEvent{}, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "arrival", Err: err}
	}
	departure, err := parseDate(entry.Departure)
	if err != nil {
		return domain.BookingEvent{}, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "departure", Err: err}
	}
	entryType, ok := domain.ParseEntryType(entry.Kind)
	if !ok {
		return domain.BookingEvent{}, &domain.NormalizationError{
			SourceID: src.ID,
			Index:    index,
			Reason:   fmt.Sprintf("unknown kind %q", entry.Kind),
		}
	}

	return finish(src, index, domain.BookingEvent{
		PropertyRef:      entry.Property,
		ExternalID:       entry.Confirmation,
		CheckIn:          arrival,
		CheckOut:         departure,
		EntryType:        entryType,
		ServiceType:      entry.Service,
		GuestOrOwnerName: entry.Guest,
		RawSummary:       entry.Notes,
	})
}
