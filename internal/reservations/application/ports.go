package application

import (
	"context"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/fetch"
)

// SourceFetcher retrieves every source of a pass. One result per source, in order.
type SourceFetcher interface {
	FetchAll(ctx context.Context, sources []domain.SourceDescriptor) []fetch.FetchResult
}

// Normalizer turns a fetched payload into events.
type Normalizer interface {
	Normalize(src domain.SourceDescriptor, payload []byte) ([]domain.BookingEvent, []error)
}

// PropertyLocker serializes writes to one property. The returned release
// function must be called once the writes are done.
type PropertyLocker interface {
	Lock(ctx context.Context, propertyRef string) (func(ctx context.Context) error, error)
}

// ReportSink receives the report of every finished run.
type ReportSink interface {
	Emit(ctx context.Context, report *RunReport) error
}
