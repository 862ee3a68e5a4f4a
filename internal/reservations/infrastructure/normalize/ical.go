package normalize

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// DefaultBlockKeywords mark a feed entry as an owner or maintenance block.
var DefaultBlockKeywords = []string{"blocked", "not available", "unavailable", "owner", "closed"}

// ICalNormalizer reads VEVENTs from an iCalendar feed. Each event's UID
// becomes the ExternalID and the property always comes from the descriptor.
type ICalNormalizer struct {
	BlockKeywords []string
}

// NewICalNormalizer returns a normalizer using DefaultBlockKeywords.
func NewICalNormalizer() *ICalNormalizer {
	return &ICalNormalizer{BlockKeywords: DefaultBlockKeywords}
}

func (n *ICalNormalizer) Normalize(src domain.SourceDescriptor, payload []byte) ([]domain.BookingEvent, []error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var (
		events []domain.BookingEvent
		errs   []error
		index  int
	)

	dec := ical.NewDecoder(bytes.NewReader(payload))
	for {
		cal, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			errs = append(errs, &domain.NormalizationError{SourceID: src.ID, Index: -1, Reason: "malformed calendar", Err: err})
			break
		}

		for _, child := range cal.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			e, skip, err := n.event(src, index, child)
			switch {
			case err != nil:
				errs = append(errs, identify(err, propValue(child, ical.PropUID), ""))
			case !skip:
				events = append(events, e)
			}
			index++
		}
	}
	return events, errs
}

func (n *ICalNormalizer) event(src domain.SourceDescriptor, index int, child *ical.Component) (domain.BookingEvent, bool, error) {
	if strings.EqualFold(propValue(child, ical.PropStatus), "CANCELLED") {
		return domain.BookingEvent{}, true, nil
	}

	if child.Props.Get(ical.PropDateTimeStart) == nil {
		return domain.BookingEvent{}, false, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "event has no DTSTART"}
	}
	if child.Props.Get(ical.PropDateTimeEnd) == nil && child.Props.Get(ical.PropDuration) == nil {
		return domain.BookingEvent{}, false, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "event has no DTEND"}
	}

	icalEvent := &ical.Event{Component: child}
	start, err := icalEvent.DateTimeStart(time.UTC)
	if err != nil {
		return domain.BookingEvent{}, false, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "DTSTART", Err: err}
	}
	end, err := icalEvent.DateTimeEnd(time.UTC)
	if err != nil {
		return domain.BookingEvent{}, false, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "DTEND", Err: err}
	}

	summary := propValue(child, ical.PropSummary)
	entryType := domain.EntryReservation
	if n.isBlock(summary) {
		entryType = domain.EntryBlock
	}

	e, err := finish(src, index, domain.BookingEvent{
		ExternalID:       propValue(child, ical.PropUID),
		CheckIn:          domain.DateOf(start),
		CheckOut:         domain.DateOf(end),
		EntryType:        entryType,
		GuestOrOwnerName: guestFromSummary(summary),
		RawSummary:       summary,
	})
	return e, false, err
}

func (n *ICalNormalizer) isBlock(summary string) bool {
	s := strings.ToLower(summary)
	for _, kw := range n.BlockKeywords {
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// guestFromSummary extracts the name from summaries shaped like
// "Reserved - Jane Doe". Summaries without a separator carry no name.
func guestFromSummary(summary string) string {
	_, name, ok := strings.Cut(summary, " - ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(name)
}

func propValue(c *ical.Component, name string) string {
	if props := c.Props[name]; len(props) > 0 {
		return strings.TrimSpace(props[0].Value)
	}
	return ""
}
