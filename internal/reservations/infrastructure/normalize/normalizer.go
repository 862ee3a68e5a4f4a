// Package normalize turns raw source payloads into BookingEvents.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// Normalizer converts one source payload into events. A malformed entry is
// reported as a *domain.NormalizationError and skipped; the rest of the batch
// is still returned.
type Normalizer interface {
	Normalize(src domain.SourceDescriptor, payload []byte) ([]domain.BookingEvent, []error)
}

// ErrUnsupportedFormat is returned for a source whose format has no normalizer.
var ErrUnsupportedFormat = errors.New("unsupported source format")

// Registry dispatches payloads to the normalizer of their source format.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[domain.SourceFormat]Normalizer
}

// NewRegistry returns a registry with the built-in formats. CalDAV payloads
// are serialized calendars and share the iCalendar normalizer.
func NewRegistry() *Registry {
	ics := NewICalNormalizer()
	return &Registry{
		normalizers: map[domain.SourceFormat]Normalizer{
			domain.FormatCSV:    NewCSVNormalizer(),
			domain.FormatICal:   ics,
			domain.FormatCalDAV: ics,
			domain.FormatPortal: NewPortalNormalizer(),
		},
	}
}

// Register adds or replaces the normalizer of a format.
func (r *Registry) Register(format domain.SourceFormat, n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[format] = n
}

// Normalize runs the normalizer of src.Format over payload.
func (r *Registry) Normalize(src domain.SourceDescriptor, payload []byte) ([]domain.BookingEvent, []error) {
	r.mu.RLock()
	n, ok := r.normalizers[src.Format]
	r.mu.RUnlock()
	if !ok {
		return nil, []error{&domain.NormalizationError{
			SourceID: src.ID,
			Index:    -1,
			Reason:   string(src.Format),
			Err:      ErrUnsupportedFormat,
		}}
	}
	return n.Normalize(src, payload)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a finished event against the BookingEvent field rules.
func Validate(e domain.BookingEvent) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gtefield":
			msgs = append(msgs, fe.Field()+" is before "+fe.Param())
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s %v is not one of %s", fe.Field(), fe.Value(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// finish applies descriptor defaults, fills the service type and validates.
// Source is always the descriptor tag; property falls back to the descriptor's.
func finish(src domain.SourceDescriptor, index int, e domain.BookingEvent) (domain.BookingEvent, error) {
	e.Source = src.Tag
	if e.PropertyRef == "" {
		e.PropertyRef = src.PropertyRef
	} else if !src.MultiProperty() && e.PropertyRef != src.PropertyRef {
		return e, &domain.NormalizationError{
			SourceID: src.ID,
			Index:    index,
			Reason:   fmt.Sprintf("property %q does not belong to source property %q", e.PropertyRef, src.PropertyRef),
		}
	}
	if e.EntryType == "" {
		e.EntryType = domain.EntryReservation
	}
	if e.ServiceType == "" {
		e.ServiceType = domain.DefaultServiceType(e.EntryType)
	}
	e.GuestOrOwnerName = strings.TrimSpace(e.GuestOrOwnerName)
	e.ExternalID = strings.TrimSpace(e.ExternalID)

	if err := Validate(e); err != nil {
		return e, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "invalid event", Err: err}
	}
	return e, nil
}

// identify records the booking a rejected entry still names, so the record
// it belongs to survives the pass.
func identify(err error, externalID, propertyRef string) error {
	var ne *domain.NormalizationError
	if errors.As(err, &ne) {
		ne.ExternalID = strings.TrimSpace(externalID)
		ne.PropertyRef = strings.TrimSpace(propertyRef)
	}
	return err
}

var dateLayouts = []string{
	time.DateOnly,
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	time.RFC3339,
}

// parseDate accepts the date layouts seen in source exports and returns the
// calendar day as a UTC midnight.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return domain.DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
