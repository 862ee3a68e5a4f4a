package application_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/fetch"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/locking"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/normalize"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/persistence"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/retry"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

var now = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

var (
	beachFeed = domain.SourceDescriptor{
		ID: "airbnb-beach", Tag: "airbnb", PropertyRef: "beach-house", Format: domain.FormatICal,
		Location: "https://example.test/beach.ics", Enabled: true,
	}
	ownerSheet = domain.SourceDescriptor{
		ID: "owner-sheet", Tag: "owner-sheet", Format: domain.FormatCSV, Location: "owner.csv", Enabled: true,
	}
)

// stubFetcher serves canned payloads and failures by source id.
type stubFetcher struct {
	mu       sync.Mutex
	payloads map[string]string
	failures map[string]error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{payloads: make(map[string]string), failures: make(map[string]error)}
}

func (f *stubFetcher) set(id, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[id] = payload
	delete(f.failures, id)
}

func (f *stubFetcher) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = err
}

func (f *stubFetcher) FetchAll(_ context.Context, sources []domain.SourceDescriptor) []fetch.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fetch.FetchResult, len(sources))
	for i, src := range sources {
		if err := f.failures[src.ID]; err != nil {
			out[i] = fetch.FetchResult{Source: src, Err: err, Attempts: []retry.Attempt{{Number: 1, Err: err}}}
			continue
		}
		out[i] = fetch.FetchResult{Source: src, Payload: []byte(f.payloads[src.ID]), Attempts: []retry.Attempt{{Number: 1}}}
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*application.RunReport
}

func (s *recordingSink) Emit(_ context.Context, r *application.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

type vevent struct {
	uid, start, end, summary string
}

func feed(events ...vevent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	for _, e := range events {
		fmt.Fprintf(&b, "BEGIN:VEVENT\r\nUID:%s\r\nDTSTAMP:20250601T080000Z\r\nDTSTART;VALUE=DATE:%s\r\nDTEND;VALUE=DATE:%s\r\nSUMMARY:%s\r\nEND:VEVENT\r\n",
			e.uid, e.start, e.end, e.summary)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

type harness struct {
	store   *persistence.MemoryStore
	states  *persistence.MemorySyncStateRepository
	fetcher *stubFetcher
	sink    *recordingSink
	metrics *observability.InMemoryMetrics
}

func newHarness(t *testing.T, sources ...domain.SourceDescriptor) *harness {
	t.Helper()
	h := &harness{
		store:   persistence.NewMemoryStore(),
		states:  persistence.NewMemorySyncStateRepository(),
		fetcher: newStubFetcher(),
		sink:    &recordingSink{},
		metrics: observability.NewInMemoryMetrics(),
	}
	for _, src := range sources {
		require.NoError(t, h.store.UpsertSource(context.Background(), src))
	}
	return h
}

func (h *harness) service(mutate ...func(*application.SyncConfig)) *application.SyncService {
	cfg := application.DefaultSyncConfig()
	cfg.Now = func() time.Time { return now }
	for _, m := range mutate {
		m(&cfg)
	}
	return application.NewSyncService(
		h.store, h.states, h.fetcher, normalize.NewRegistry(), locking.NewMemoryLocker(),
		[]application.ReportSink{h.sink}, h.metrics, cfg, observability.NopLogger(),
	)
}

func (h *harness) run(t *testing.T, svc *application.SyncService) *application.RunReport {
	t.Helper()
	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func TestSyncService_Lifecycle(t *testing.T) {
	h := newHarness(t, beachFeed)
	svc := h.service()

	stayA := vevent{"a@airbnb", "20250610", "20250612", "Reserved - Ada"}
	stayB := vevent{"b@airbnb", "20250620", "20250627", "Reserved - Grace"}

	h.fetcher.set(beachFeed.ID, feed(stayA, stayB))
	first := h.run(t, svc)
	assert.Equal(t, 2, first.New)
	assert.True(t, first.Succeeded())
	assert.NotEmpty(t, first.RunID)

	second := h.run(t, svc)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 2, second.Unchanged)

	stayA.end = "20250613"
	h.fetcher.set(beachFeed.ID, feed(stayA, stayB))
	third := h.run(t, svc)
	assert.Equal(t, 1, third.Modified)
	assert.Equal(t, 1, third.Unchanged)

	h.fetcher.set(beachFeed.ID, feed(stayA))
	fourth := h.run(t, svc)
	assert.Equal(t, 1, fourth.Removed)

	active, err := h.store.FindActiveByProperty(context.Background(), "beach-house")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, domain.StatusModified, active[0].Status)
	assert.Equal(t, domain.Date(2025, 6, 13), active[0].CheckOut)
	assert.Equal(t, "a@airbnb", active[0].ExternalID)
	assert.Equal(t, domain.StatusRemoved, active[1].Status)

	history, err := h.store.FindHistory(context.Background(), active[0].UID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "a date change keeps the uid")

	assert.Len(t, h.store.Events(), 4)
	assert.Len(t, h.sink.reports, 4)

	state, err := h.states.FindBySource(context.Background(), beachFeed.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.HasSynced())
	assert.NotEmpty(t, state.PayloadHash())

	assert.Equal(t, int64(4), h.metrics.GetCounter(observability.MetricSyncRuns, observability.T("outcome", "success")))
	assert.Equal(t, int64(2), h.metrics.GetCounter(observability.MetricTransitions,
		observability.T("source", "airbnb"), observability.T("status", "New")))
}

func TestSyncService_FailedSourceRemovesNothing(t *testing.T) {
	h := newHarness(t, beachFeed)
	svc := h.service()

	h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250612", "Reserved"}))
	h.run(t, svc)

	h.fetcher.fail(beachFeed.ID, &domain.SourceFetchError{SourceID: beachFeed.ID, Transient: true, StatusCode: 503, Err: errors.New("busy")})
	report := h.run(t, svc)

	assert.False(t, report.Succeeded())
	assert.Equal(t, []string{beachFeed.ID}, report.FailedSources())
	assert.Zero(t, report.Removed)
	assert.Empty(t, report.Properties)

	active, err := h.store.FindActiveByProperty(context.Background(), "beach-house")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StatusNew, active[0].Status)

	state, err := h.states.FindBySource(context.Background(), beachFeed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.SyncErrors())
	assert.Contains(t, state.LastError(), "busy")
}

func TestSyncService_UnreadablePayloadIsTreatedAsFailedSource(t *testing.T) {
	h := newHarness(t, ownerSheet)
	svc := h.service()

	h.fetcher.set(ownerSheet.ID, "property,check-in,check-out\nbeach-house,2025-06-10,2025-06-12\n")
	h.run(t, svc)

	h.fetcher.set(ownerSheet.ID, "<html>login required</html>\n")
	report := h.run(t, svc)

	assert.Zero(t, report.Removed)
	assert.Equal(t, []string{ownerSheet.ID}, report.FailedSources())
}

func TestSyncService_VanishedPropertyOfTabularExport(t *testing.T) {
	h := newHarness(t, ownerSheet)
	svc := h.service()

	h.fetcher.set(ownerSheet.ID, "id,property,check-in,check-out\n"+
		"R1,beach-house,2025-06-10,2025-06-12\n"+
		"R2,cabin,2025-06-15,2025-06-18\n")
	first := h.run(t, svc)
	assert.Equal(t, 2, first.New)
	require.Len(t, first.Properties, 2)

	h.fetcher.set(ownerSheet.ID, "id,property,check-in,check-out\nR1,beach-house,2025-06-10,2025-06-12\n")
	second := h.run(t, svc)
	assert.Equal(t, 1, second.Unchanged)
	assert.Equal(t, 1, second.Removed)

	cabin, err := h.store.FindActiveByProperty(context.Background(), "cabin")
	require.NoError(t, err)
	require.Len(t, cabin, 1)
	assert.Equal(t, domain.StatusRemoved, cabin[0].Status)
}

func TestSyncService_FailedFeedOnlyBlocksItsOwnProperty(t *testing.T) {
	lakeFeed := domain.SourceDescriptor{
		ID: "airbnb-lake", Tag: "airbnb", PropertyRef: "lake-cabin", Format: domain.FormatICal,
		Location: "https://example.test/lake.ics", Enabled: true,
	}
	h := newHarness(t, beachFeed, lakeFeed)
	svc := h.service()

	h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250612", "Reserved"}))
	h.fetcher.set(lakeFeed.ID, feed(vevent{"c@airbnb", "20250615", "20250618", "Reserved"}))
	first := h.run(t, svc)
	require.Equal(t, 2, first.New)

	h.fetcher.set(beachFeed.ID, feed(
		vevent{"a@airbnb", "20250610", "20250612", "Reserved"},
		vevent{"b@airbnb", "20250620", "20250622", "Reserved"},
	))
	h.fetcher.fail(lakeFeed.ID, &domain.SourceFetchError{SourceID: lakeFeed.ID, Transient: true, StatusCode: 503, Err: errors.New("busy")})
	report := h.run(t, svc)

	assert.Equal(t, 1, report.New)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.Removed)
	assert.Equal(t, []string{lakeFeed.ID}, report.FailedSources())
	require.Len(t, report.Properties, 1)
	assert.Equal(t, "beach-house", report.Properties[0].PropertyRef)

	lake, err := h.store.FindActiveByProperty(context.Background(), "lake-cabin")
	require.NoError(t, err)
	require.Len(t, lake, 1)
	assert.Equal(t, domain.StatusNew, lake[0].Status)
}

func TestSyncService_FailedTabularExportBlocksEveryPropertyOfItsTag(t *testing.T) {
	sheetCabin := domain.SourceDescriptor{
		ID: "owner-cabin", Tag: "owner-sheet", PropertyRef: "cabin", Format: domain.FormatCSV,
		Location: "cabin.csv", Enabled: true,
	}
	h := newHarness(t, ownerSheet, sheetCabin)
	svc := h.service()

	h.fetcher.set(ownerSheet.ID, "id,property,check-in,check-out\nR1,beach-house,2025-06-10,2025-06-12\n")
	h.fetcher.set(sheetCabin.ID, "id,check-in,check-out\nC1,2025-06-15,2025-06-18\n")
	h.run(t, svc)

	h.fetcher.fail(ownerSheet.ID, errors.New("inbox unreadable"))
	h.fetcher.set(sheetCabin.ID, "id,check-in,check-out\n")
	report := h.run(t, svc)

	assert.Zero(t, report.Removed, "the failed export could have listed the cabin too")
	assert.Empty(t, report.Properties)
	assert.Contains(t, report.Warnings, "owner-sheet/cabin: skipped, a source feeding it failed")
}

func TestSyncService_RejectedEntryKeepsItsRecord(t *testing.T) {
	t.Run("calendar event with unreadable end", func(t *testing.T) {
		h := newHarness(t, beachFeed)
		svc := h.service()

		h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250612", "Reserved"}))
		h.run(t, svc)

		h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "garbage", "Reserved"}))
		report := h.run(t, svc)

		assert.Zero(t, report.Removed)
		assert.False(t, report.Succeeded())
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "DTEND")

		active, err := h.store.FindActiveByProperty(context.Background(), "beach-house")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, domain.StatusNew, active[0].Status)
	})

	t.Run("export row with unreadable date", func(t *testing.T) {
		h := newHarness(t, ownerSheet)
		svc := h.service()

		h.fetcher.set(ownerSheet.ID, "id,property,check-in,check-out\n"+
			"R1,beach-house,2025-06-10,2025-06-12\n"+
			"R2,cabin,2025-06-15,2025-06-18\n")
		h.run(t, svc)

		h.fetcher.set(ownerSheet.ID, "id,property,check-in,check-out\n"+
			"R1,beach-house,2025-06-10,2025-06-12\n"+
			"R2,cabin,2025-06-15,soon\n")
		report := h.run(t, svc)

		assert.Zero(t, report.Removed)
		assert.Equal(t, 1, report.Unchanged)
		require.Len(t, report.Sources, 1)
		assert.Equal(t, 1, report.Sources[0].NormalizeErrors)

		cabin, err := h.store.FindActiveByProperty(context.Background(), "cabin")
		require.NoError(t, err)
		require.Len(t, cabin, 1)
		assert.Equal(t, domain.StatusNew, cabin[0].Status)
	})

	t.Run("entry without identity is still removed", func(t *testing.T) {
		h := newHarness(t, ownerSheet)
		svc := h.service()

		h.fetcher.set(ownerSheet.ID, "property,check-in,check-out\nbeach-house,2025-06-10,2025-06-12\nbeach-house,2025-06-20,2025-06-22\n")
		h.run(t, svc)

		h.fetcher.set(ownerSheet.ID, "property,check-in,check-out\nbeach-house,2025-06-10,2025-06-12\nbeach-house,2025-06-20,later\n")
		report := h.run(t, svc)

		assert.Equal(t, 1, report.Removed)
	})
}

func TestSyncService_ServiceFieldWrittenDuringSupersessionSurvives(t *testing.T) {
	h := newHarness(t, beachFeed)
	svc := h.service()

	h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250612", "Reserved"}))
	h.run(t, svc)

	var wrote bool
	h.store.BeforeApply = func(previous *domain.ReservationRecord, _ domain.ReservationRecord) error {
		if previous == nil || wrote {
			return nil
		}
		wrote = true
		return h.store.SetServiceField(context.Background(), previous.UID, "job_id", "J-77")
	}

	h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250614", "Reserved"}))
	report := h.run(t, svc)

	assert.True(t, report.Succeeded())
	assert.Equal(t, 1, report.Modified)
	require.Len(t, report.Properties, 1)
	assert.Equal(t, 1, report.Properties[0].Scopes[0].ConflictRetries)

	active, err := h.store.FindActiveByProperty(context.Background(), "beach-house")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StatusModified, active[0].Status)
	assert.Equal(t, "J-77", active[0].ServiceFields["job_id"])
}

func TestSyncService_PastStaysAreKept(t *testing.T) {
	h := newHarness(t, beachFeed)
	svc := h.service()

	h.fetcher.set(beachFeed.ID, feed(
		vevent{"old@airbnb", "20250520", "20250525", "Reserved"},
		vevent{"new@airbnb", "20250610", "20250612", "Reserved"},
	))
	h.run(t, svc)

	h.fetcher.set(beachFeed.ID, feed())
	report := h.run(t, svc)

	assert.Equal(t, 1, report.Removed, "only the stay ending on or after today is removed")
}

func TestSyncService_RetriesStoreConflicts(t *testing.T) {
	h := newHarness(t, beachFeed)
	var calls int
	h.store.BeforeApply = func(_ *domain.ReservationRecord, next domain.ReservationRecord) error {
		calls++
		if calls == 1 {
			return &domain.StoreConflictError{UID: next.UID}
		}
		return nil
	}
	svc := h.service()

	h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250612", "Reserved"}))
	report := h.run(t, svc)

	assert.True(t, report.Succeeded())
	assert.Equal(t, 1, report.New)
	require.Len(t, report.Properties, 1)
	assert.Equal(t, 1, report.Properties[0].Scopes[0].ConflictRetries)
	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricStoreConflicts, observability.T("property", "beach-house")))
}

func TestSyncService_ConflictRetriesExhausted(t *testing.T) {
	h := newHarness(t, beachFeed)
	h.store.BeforeApply = func(_ *domain.ReservationRecord, next domain.ReservationRecord) error {
		return &domain.StoreConflictError{UID: next.UID}
	}
	svc := h.service(func(c *application.SyncConfig) { c.ConflictRetries = 2 })

	h.fetcher.set(beachFeed.ID, feed(vevent{"a@airbnb", "20250610", "20250612", "Reserved"}))
	report := h.run(t, svc)

	assert.False(t, report.Succeeded())
	require.Len(t, report.Properties, 1)
	assert.Contains(t, report.Properties[0].Scopes[0].Error, "conflict retries exhausted")
	assert.Equal(t, int64(3), h.metrics.GetCounter(observability.MetricStoreConflicts, observability.T("property", "beach-house")))
	assert.Empty(t, h.store.Records())
}

func TestSyncService_DryRun(t *testing.T) {
	h := newHarness(t, beachFeed)
	svc := h.service(func(c *application.SyncConfig) { c.DryRun = true })

	h.fetcher.set(beachFeed.ID, feed(
		vevent{"a@airbnb", "20250610", "20250612", "Reserved"},
		vevent{"b@airbnb", "20250612", "20250615", "Reserved"},
	))
	report := h.run(t, svc)

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.New)
	assert.Empty(t, h.store.Records())

	states, err := h.states.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestSyncService_ValidationErrorsAreReported(t *testing.T) {
	h := newHarness(t, beachFeed)
	svc := h.service()

	h.fetcher.set(beachFeed.ID, feed(
		vevent{"a@airbnb", "20250610", "20250612", "Reserved"},
		vevent{"bad@airbnb", "20250615", "20250612", "Reserved"},
	))
	report := h.run(t, svc)

	assert.Equal(t, 1, report.New)
	assert.False(t, report.Succeeded())
	require.Len(t, report.Sources, 1)
	assert.Equal(t, 1, report.Sources[0].NormalizeErrors)
}

func TestSyncService_ReconcileScope(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	scope := domain.Scope{Source: "owner-sheet", PropertyRef: "cabin"}

	sr, err := svc.ReconcileScope(context.Background(), scope, []domain.BookingEvent{{
		Source: "owner-sheet", PropertyRef: "cabin", ExternalID: "R9",
		CheckIn: domain.Date(2025, 7, 1), CheckOut: domain.Date(2025, 7, 20),
		EntryType: domain.EntryReservation, ServiceType: domain.ServiceTurnover,
	}}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, sr.New)
	active, err := h.store.FindActiveByProperty(context.Background(), "cabin")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].Flags.LongTermGuest)
}

type brokenStore struct {
	*persistence.MemoryStore
}

func (brokenStore) ListEnabledSources(context.Context) ([]domain.SourceDescriptor, error) {
	return nil, &domain.StoreUnavailableError{Op: "list sources", Err: errors.New("connection refused")}
}

func TestSyncService_StoreUnavailableAtStart(t *testing.T) {
	cfg := application.DefaultSyncConfig()
	svc := application.NewSyncService(brokenStore{persistence.NewMemoryStore()}, nil, newStubFetcher(),
		normalize.NewRegistry(), nil, nil, nil, cfg, observability.NopLogger())

	report, err := svc.Run(context.Background())

	assert.Nil(t, report)
	assert.True(t, domain.IsStoreUnavailable(err))
}
