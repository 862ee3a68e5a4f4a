package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

type csvColumn int

const (
	colExternalID csvColumn = iota
	colProperty
	colCheckIn
	colCheckOut
	colGuest
	colType
	colService
	colSummary
)

// headerAliases maps normalized header labels to columns.
var headerAliases = map[string]csvColumn{
	"reservation id":    colExternalID,
	"reservation":       colExternalID,
	"confirmation":      colExternalID,
	"confirmation code": colExternalID,
	"booking id":        colExternalID,
	"id":                colExternalID,
	"property":          colProperty,
	"property id":       colProperty,
	"listing":           colProperty,
	"unit":              colProperty,
	"check-in":          colCheckIn,
	"check in":          colCheckIn,
	"checkin":           colCheckIn,
	"arrival":           colCheckIn,
	"start date":        colCheckIn,
	"check-out":         colCheckOut,
	"check out":         colCheckOut,
	"checkout":          colCheckOut,
	"departure":         colCheckOut,
	"end date":          colCheckOut,
	"guest":             colGuest,
	"guest name":        colGuest,
	"name":              colGuest,
	"owner":             colGuest,
	"type":              colType,
	"entry type":        colType,
	"kind":              colType,
	"service":           colService,
	"service type":      colService,
	"notes":             colSummary,
	"summary":           colSummary,
}

// CSVNormalizer reads tabular exports with a header row. Columns are matched
// by header label, so exports may reorder or add columns.
type CSVNormalizer struct {
	Comma rune
}

// NewCSVNormalizer returns a comma-separated normalizer.
func NewCSVNormalizer() *CSVNormalizer {
	return &CSVNormalizer{Comma: ','}
}

func (n *CSVNormalizer) Normalize(src domain.SourceDescriptor, payload []byte) ([]domain.BookingEvent, []error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(payload, []byte("\xef\xbb\xbf"))))
	r.Comma = n.Comma
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, []error{&domain.NormalizationError{SourceID: src.ID, Index: -1, Reason: "unreadable header", Err: err}}
	}

	cols := make(map[csvColumn]int)
	for i, h := range header {
		if c, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := cols[c]; !dup {
				cols[c] = i
			}
		}
	}
	for _, required := range []csvColumn{colCheckIn, colCheckOut} {
		if _, ok := cols[required]; !ok {
			return nil, []error{&domain.NormalizationError{SourceID: src.ID, Index: -1, Reason: "header has no check-in or check-out column"}}
		}
	}
	if _, ok := cols[colProperty]; !ok && src.MultiProperty() {
		return nil, []error{&domain.NormalizationError{SourceID: src.ID, Index: -1, Reason: "multi-property export has no property column"}}
	}

	var (
		events []domain.BookingEvent
		errs   []error
	)
	for index := 0; ; index++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				errs = append(errs, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "malformed row", Err: err})
				continue
			}
			errs = append(errs, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "read failed", Err: err})
			break
		}
		if blankRow(row) {
			continue
		}

		e, err := n.row(src, index, row, cols)
		if err != nil {
			errs = append(errs, identify(err, csvField(row, cols, colExternalID), csvField(row, cols, colProperty)))
			continue
		}
		events = append(events, e)
	}
	return events, errs
}

func (n *CSVNormalizer) row(src domain.SourceDescriptor, index int, row []string, cols map[csvColumn]int) (domain.BookingEvent, error) {
	field := func(c csvColumn) string { return csvField(row, cols, c) }

	checkIn, err := parseDate(field(colCheckIn))
	if err != nil {
		return domain.BookingEvent{}, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "check-in", Err: err}
	}
	checkOut, err := parseDate(field(colCheckOut))
	if err != nil {
		return domain.BookingEvent{}, &domain.NormalizationError{SourceID: src.ID, Index: index, Reason: "check-out", Err: err}
	}
	entryType, ok := domain.ParseEntryType(field(colType))
	if !ok {
		return domain.BookingEvent{}, &domain.NormalizationError{
			SourceID: src.ID,
			Index:    index,
			Reason:   fmt.Sprintf("unknown entry type %q", field(colType)),
		}
	}

	return finish(src, index, domain.BookingEvent{
		PropertyRef:      field(colProperty),
		ExternalID:       field(colExternalID),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		EntryType:        entryType,
		ServiceType:      field(colService),
		GuestOrOwnerName: field(colGuest),
		RawSummary:       field(colSummary),
	})
}

func csvField(row []string, cols map[csvColumn]int, c csvColumn) string {
	i, ok := cols[c]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
