package normalize_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/normalize"
)

var (
	icsSource = domain.SourceDescriptor{
		ID: "airbnb-beach", Tag: "airbnb", PropertyRef: "beach-house", Format: domain.FormatICal,
		Location: "https://example.test/beach.ics", Enabled: true,
	}
	csvSource = domain.SourceDescriptor{
		ID: "owner-sheet", Tag: "owner-sheet", Format: domain.FormatCSV, Location: "/inbox/owner.csv", Enabled: true,
	}
	portalSource = domain.SourceDescriptor{
		ID: "vrbo-portal", Tag: "vrbo", Format: domain.FormatPortal, Location: "https://portal.example.test/export", Enabled: true,
	}
)

func normalizationErrors(t *testing.T, errs []error) []*domain.NormalizationError {
	t.Helper()
	out := make([]*domain.NormalizationError, 0, len(errs))
	for _, err := range errs {
		var ne *domain.NormalizationError
		require.True(t, errors.As(err, &ne), "unexpected error type %T", err)
		out = append(out, ne)
	}
	return out
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := normalize.NewRegistry()

	events, errs := reg.Normalize(portalSource, []byte(`[{"confirmation":"C1","property":"cabin","arrival":"2025-07-01","departure":"2025-07-04"}]`))
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, "vrbo", events[0].Source)

	caldav := icsSource
	caldav.Format = domain.FormatCalDAV
	events, errs = reg.Normalize(caldav, []byte(simpleFeed))
	require.Empty(t, errs)
	assert.Len(t, events, 2)
}

func TestRegistry_UnknownFormat(t *testing.T) {
	reg := normalize.NewRegistry()
	src := icsSource
	src.Format = "xlsx"

	events, errs := reg.Normalize(src, []byte("whatever"))

	assert.Empty(t, events)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], normalize.ErrUnsupportedFormat)
}

type stubNormalizer struct{ events []domain.BookingEvent }

func (s stubNormalizer) Normalize(domain.SourceDescriptor, []byte) ([]domain.BookingEvent, []error) {
	return s.events, nil
}

func TestRegistry_Register(t *testing.T) {
	reg := normalize.NewRegistry()
	want := []domain.BookingEvent{{Source: "x"}}
	reg.Register(domain.FormatPortal, stubNormalizer{events: want})

	got, errs := reg.Normalize(portalSource, nil)

	assert.Empty(t, errs)
	assert.Equal(t, want, got)
}

func TestValidate(t *testing.T) {
	valid := domain.BookingEvent{
		Source:      "airbnb",
		PropertyRef: "beach-house",
		CheckIn:     domain.Date(2025, 6, 10),
		CheckOut:    domain.Date(2025, 6, 12),
		EntryType:   domain.EntryReservation,
		ServiceType: domain.ServiceTurnover,
	}

	tests := []struct {
		name    string
		mutate  func(e *domain.BookingEvent)
		wantErr string
	}{
		{name: "valid", mutate: func(*domain.BookingEvent) {}},
		{name: "same day stay", mutate: func(e *domain.BookingEvent) { e.CheckOut = e.CheckIn }},
		{
			name:    "check-out before check-in",
			mutate:  func(e *domain.BookingEvent) { e.CheckOut = domain.Date(2025, 6, 9) },
			wantErr: "CheckOut is before CheckIn",
		},
		{
			name:    "missing property",
			mutate:  func(e *domain.BookingEvent) { e.PropertyRef = "" },
			wantErr: "PropertyRef is required",
		},
		{
			name:    "unknown entry type",
			mutate:  func(e *domain.BookingEvent) { e.EntryType = "Hold" },
			wantErr: "EntryType Hold is not one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := normalize.Validate(e)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
