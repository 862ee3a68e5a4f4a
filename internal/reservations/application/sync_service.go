// Package application runs sync passes: fetch, normalize, reconcile and write.
package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/fetch"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// ErrConflictRetriesExhausted is returned when a scope kept conflicting with
// concurrent writers.
var ErrConflictRetriesExhausted = errors.New("conflict retries exhausted")

// SyncConfig controls one SyncService.
type SyncConfig struct {
	Environment         string
	PropertyConcurrency int
	ConflictRetries     int
	RunTimeout          time.Duration
	// DryRun reconciles and reports without writing records or sync state.
	DryRun bool
	Now    func() time.Time
	// ReferenceDate overrides the day before which stays are never removed.
	// Zero means today.
	ReferenceDate time.Time
}

// DefaultSyncConfig returns the production defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Environment:         "dev",
		PropertyConcurrency: 8,
		ConflictRetries:     3,
		RunTimeout:          10 * time.Minute,
		Now:                 time.Now,
	}
}

// SyncService orchestrates sync passes over every enabled source.
type SyncService struct {
	store      domain.Store
	syncStates domain.SyncStateRepository
	fetcher    SourceFetcher
	normalizer Normalizer
	locker     PropertyLocker
	sinks      []ReportSink
	metrics    observability.Metrics
	logger     *slog.Logger
	config     SyncConfig
}

// NewSyncService creates a sync service. syncStates, locker and sinks may be nil.
func NewSyncService(
	store domain.Store,
	syncStates domain.SyncStateRepository,
	fetcher SourceFetcher,
	normalizer Normalizer,
	locker PropertyLocker,
	sinks []ReportSink,
	metrics observability.Metrics,
	config SyncConfig,
	logger *slog.Logger,
) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.PropertyConcurrency < 1 {
		config.PropertyConcurrency = 1
	}
	if config.ConflictRetries < 0 {
		config.ConflictRetries = 0
	}
	return &SyncService{
		store:      store,
		syncStates: syncStates,
		fetcher:    fetcher,
		normalizer: normalizer,
		locker:     locker,
		sinks:      sinks,
		metrics:    metrics,
		logger:     logger,
		config:     config,
	}
}

// scopeBatch is the merged batch of one scope for one pass. protected holds
// external ids of entries the normalizer rejected.
type scopeBatch struct {
	scope     domain.Scope
	events    []domain.BookingEvent
	protected []string
}

// blockedScopes are scopes a failed source could have fed. A single-property
// source blocks only its own scope; a multi-property source blocks every
// scope of its tag, since any property may have been in the export.
type blockedScopes struct {
	scopes map[domain.Scope]bool
	tags   map[string]bool
}

func newBlockedScopes() blockedScopes {
	return blockedScopes{scopes: make(map[domain.Scope]bool), tags: make(map[string]bool)}
}

func (b blockedScopes) block(src domain.SourceDescriptor) {
	if src.MultiProperty() {
		b.tags[src.Tag] = true
		return
	}
	b.scopes[domain.Scope{Source: src.Tag, PropertyRef: src.PropertyRef}] = true
}

func (b blockedScopes) blocks(scope domain.Scope) bool {
	return b.scopes[scope] || b.tags[scope.Source]
}

// Run performs one full pass. The returned report is complete even when
// sources or scopes failed; an error is returned only when the pass could
// not start.
func (s *SyncService) Run(ctx context.Context) (*RunReport, error) {
	ctx, runID := observability.NewRunContext(ctx)
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	started := s.config.Now()
	report := &RunReport{
		RunID:       runID,
		Environment: s.config.Environment,
		DryRun:      s.config.DryRun,
		StartedAt:   started,
	}
	logger := s.logger.With(observability.RunIDKey, runID)
	logger.InfoContext(ctx, "sync run started", "environment", s.config.Environment, "dry_run", s.config.DryRun)

	sources, err := s.store.ListEnabledSources(ctx)
	if err != nil {
		s.metrics.Counter(observability.MetricSyncRuns, 1, observability.T("outcome", "error"))
		return nil, fmt.Errorf("list enabled sources: %w", err)
	}

	results := s.fetcher.FetchAll(ctx, sources)
	batches, blocked, unplaced := s.collect(ctx, results, report)
	batches = s.addVanishedProperties(ctx, sources, blocked, batches, report)
	for i := range batches {
		batches[i].protected = append(batches[i].protected, unplaced[batches[i].scope.Source]...)
	}

	for _, b := range batches {
		if blocked.blocks(b.scope) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: skipped, a source feeding it failed", b.scope))
		}
	}
	batches = filterBatches(batches, blocked)

	report.Properties = s.reconcileProperties(ctx, batches)
	for _, p := range report.Properties {
		for _, sc := range p.Scopes {
			report.addScope(sc)
		}
		if p.Error != "" {
			report.Errors = append(report.Errors, p.PropertyRef+": "+p.Error)
		}
	}

	report.FinishedAt = s.config.Now()
	report.Duration = report.FinishedAt.Sub(started)
	s.finish(ctx, logger, report)
	return report, nil
}

// collect records fetch outcomes, updates sync state and normalizes every
// fetched payload. Scopes of sources that failed are returned as blocked so
// they are never reconciled against a partial picture. Rejected entries of
// multi-property sources that name no property are returned per tag.
func (s *SyncService) collect(ctx context.Context, results []fetch.FetchResult, report *RunReport) ([]scopeBatch, blockedScopes, map[string][]string) {
	byScope := make(map[domain.Scope]*scopeBatch)
	blocked := newBlockedScopes()
	unplaced := make(map[string][]string)
	ensure := func(scope domain.Scope) *scopeBatch {
		b, ok := byScope[scope]
		if !ok {
			b = &scopeBatch{scope: scope}
			byScope[scope] = b
		}
		return b
	}

	for _, res := range results {
		src := res.Source
		sr := SourceReport{
			SourceID:    src.ID,
			Tag:         src.Tag,
			Fetched:     res.OK(),
			NotModified: res.NotModified,
			Attempts:    len(res.Attempts),
			Duration:    res.Duration,
		}

		if !res.OK() {
			sr.Error = res.Err.Error()
			blocked.block(src)
			report.Errors = append(report.Errors, res.Err.Error())
			s.recordSyncState(ctx, src.ID, "", res.Err)
			report.Sources = append(report.Sources, sr)
			continue
		}

		events, errs := s.normalizer.Normalize(src, res.Payload)
		sr.Events = len(events)
		sr.NormalizeErrors = len(errs)
		if len(errs) > 0 {
			s.metrics.Counter(observability.MetricNormalizeErrors, int64(len(errs)), observability.T("source", src.ID))
		}

		if payloadFailed(errs) {
			err := errors.Join(errs...)
			sr.Fetched = false
			sr.Error = err.Error()
			blocked.block(src)
			report.Errors = append(report.Errors, err.Error())
			s.recordSyncState(ctx, src.ID, "", err)
			report.Sources = append(report.Sources, sr)
			continue
		}
		for _, err := range errs {
			report.Errors = append(report.Errors, err.Error())
		}
		placed, rest := PlaceRejected(src, errs)
		for scope, ids := range placed {
			b := ensure(scope)
			b.protected = append(b.protected, ids...)
		}
		unplaced[src.Tag] = append(unplaced[src.Tag], rest...)

		s.recordSyncState(ctx, src.ID, hashPayload(res.Payload), nil)
		report.Sources = append(report.Sources, sr)

		if !src.MultiProperty() {
			ensure(domain.Scope{Source: src.Tag, PropertyRef: src.PropertyRef})
		}
		for _, e := range events {
			b := ensure(e.Scope())
			b.events = append(b.events, e)
		}
	}

	out := make([]scopeBatch, 0, len(byScope))
	for _, b := range byScope {
		out = append(out, *b)
	}
	sortBatches(out)
	return out, blocked, unplaced
}

// addVanishedProperties adds an empty batch for every property that still
// holds active records of a fetched multi-property source but no longer
// appears in its export, so those records are removed.
func (s *SyncService) addVanishedProperties(ctx context.Context, sources []domain.SourceDescriptor, blocked blockedScopes, batches []scopeBatch, report *RunReport) []scopeBatch {
	known := make(map[domain.Scope]bool, len(batches))
	for _, b := range batches {
		known[b.scope] = true
	}

	seenTag := make(map[string]bool)
	for _, src := range sources {
		if !src.MultiProperty() || blocked.tags[src.Tag] || seenTag[src.Tag] {
			continue
		}
		seenTag[src.Tag] = true

		props, err := s.store.PropertiesForSource(ctx, src.Tag)
		if err != nil {
			blocked.block(src)
			report.Errors = append(report.Errors, fmt.Sprintf("list properties of %s: %v", src.Tag, err))
			continue
		}
		for _, p := range props {
			scope := domain.Scope{Source: src.Tag, PropertyRef: p}
			if !known[scope] {
				known[scope] = true
				batches = append(batches, scopeBatch{scope: scope})
			}
		}
	}
	sortBatches(batches)
	return batches
}

// reconcileProperties runs every property concurrently, each under its lock.
func (s *SyncService) reconcileProperties(ctx context.Context, batches []scopeBatch) []PropertyReport {
	byProperty := make(map[string][]scopeBatch)
	var order []string
	for _, b := range batches {
		if _, ok := byProperty[b.scope.PropertyRef]; !ok {
			order = append(order, b.scope.PropertyRef)
		}
		byProperty[b.scope.PropertyRef] = append(byProperty[b.scope.PropertyRef], b)
	}

	reports := make([]PropertyReport, len(order))
	var g errgroup.Group
	g.SetLimit(s.config.PropertyConcurrency)

	for i, prop := range order {
		g.Go(func() error {
			reports[i] = s.reconcileProperty(ctx, prop, byProperty[prop])
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (s *SyncService) reconcileProperty(ctx context.Context, propertyRef string, batches []scopeBatch) PropertyReport {
	ctx = observability.WithProperty(ctx, propertyRef)
	report := PropertyReport{PropertyRef: propertyRef}

	release, err := s.lock(ctx, propertyRef)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer release()

	syncedAt := s.config.Now().UTC()
	for _, b := range batches {
		sr, err := s.reconcile(ctx, b.scope, b.events, b.protected, syncedAt)
		if err != nil {
			sr.Error = err.Error()
			s.logger.ErrorContext(ctx, "scope reconciliation failed",
				"scope", b.scope.String(),
				observability.ErrorKey, err,
			)
		}
		report.Scopes = append(report.Scopes, sr)
	}
	return report
}

// ReconcileScope reconciles one batch delivered outside a pass, such as an
// upload from the ingestion gateway. The batch is taken as the complete
// current picture of the scope, except for records named by protected.
func (s *SyncService) ReconcileScope(ctx context.Context, scope domain.Scope, events []domain.BookingEvent, protected []string) (ScopeReport, error) {
	if observability.RunIDFromContext(ctx) == "" {
		ctx, _ = observability.NewRunContext(ctx)
	}
	ctx = observability.WithProperty(ctx, scope.PropertyRef)

	release, err := s.lock(ctx, scope.PropertyRef)
	if err != nil {
		return ScopeReport{Source: scope.Source, PropertyRef: scope.PropertyRef}, err
	}
	defer release()

	sr, err := s.reconcile(ctx, scope, events, protected, s.config.Now().UTC())
	if err == nil && !s.config.DryRun {
		s.recordScopeMetrics(sr)
	}
	return sr, err
}

func (s *SyncService) lock(ctx context.Context, propertyRef string) (func(), error) {
	if s.locker == nil || s.config.DryRun {
		return func() {}, nil
	}
	release, err := s.locker.Lock(ctx, propertyRef)
	if err != nil {
		return nil, fmt.Errorf("lock property %s: %w", propertyRef, err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "property lock release failed", observability.ErrorKey, err)
		}
	}, nil
}

// reconcile diffs and applies one scope, re-reading and retrying when a
// concurrent writer changed the active set in between.
func (s *SyncService) reconcile(ctx context.Context, scope domain.Scope, events []domain.BookingEvent, protected []string, syncedAt time.Time) (ScopeReport, error) {
	sr := ScopeReport{Source: scope.Source, PropertyRef: scope.PropertyRef}
	ref := s.referenceDate()

	for attempt := 0; ; attempt++ {
		existing, err := s.store.FindActiveByProperty(ctx, scope.PropertyRef)
		if err != nil {
			return sr, fmt.Errorf("read active records: %w", err)
		}

		result := domain.Reconcile(domain.ReconcileInput{
			Scope:         scope,
			Events:        events,
			Existing:      existing,
			ReferenceDate: ref,
			SyncedAt:      syncedAt,
			Protected:     protected,
		})
		sr.Unchanged = result.Unchanged
		sr.ValidationErrors = errorStrings(result.Errors)
		sr.Warnings = warningStrings(result.Warnings)
		if len(result.Errors) > 0 {
			s.metrics.Counter(observability.MetricValidationErrors, int64(len(result.Errors)), observability.T("source", scope.Source))
		}

		if s.config.DryRun {
			countPlanned(&sr, result)
			return sr, nil
		}

		err = s.apply(ctx, result, syncedAt, &sr)
		if err == nil {
			return sr, nil
		}
		if !errors.Is(err, domain.ErrStoreConflict) {
			return sr, err
		}

		s.metrics.Counter(observability.MetricStoreConflicts, 1, observability.T("property", scope.PropertyRef))
		if attempt >= s.config.ConflictRetries {
			return sr, fmt.Errorf("%w after %d attempts: %v", ErrConflictRetriesExhausted, attempt+1, err)
		}
		sr.ConflictRetries++
		s.logger.DebugContext(ctx, "store conflict, re-reading scope", "scope", scope.String(), "attempt", attempt+1)
	}
}

// apply writes the transitions and flag updates of result in order, counting
// what was written. It stops at the first failure.
func (s *SyncService) apply(ctx context.Context, result domain.ReconcileResult, syncedAt time.Time, sr *ScopeReport) error {
	for _, t := range result.Transitions() {
		stored, err := s.store.ApplyTransition(ctx, t.Previous, t.Next)
		if err != nil {
			return err
		}
		countTransition(sr, stored.Status)
	}
	for _, u := range result.FlagUpdates {
		if err := s.store.UpdateFlags(ctx, u.Record.ID, u.Flags, syncedAt); err != nil {
			return err
		}
		sr.FlagUpdates++
	}
	return nil
}

func (s *SyncService) referenceDate() time.Time {
	if !s.config.ReferenceDate.IsZero() {
		return domain.DateOf(s.config.ReferenceDate)
	}
	return domain.DateOf(s.config.Now().UTC())
}

func (s *SyncService) recordSyncState(ctx context.Context, sourceID, hash string, fetchErr error) {
	if s.syncStates == nil || s.config.DryRun {
		return
	}
	now := s.config.Now().UTC()

	state, err := s.syncStates.FindBySource(ctx, sourceID)
	if err != nil {
		s.logger.WarnContext(ctx, "load sync state failed", observability.SourceKey, sourceID, observability.ErrorKey, err)
		return
	}
	if state == nil {
		state = domain.NewSyncState(sourceID, now)
	}
	if fetchErr != nil {
		state.MarkSyncFailure(fetchErr.Error(), now)
	} else {
		state.MarkSyncSuccess(hash, now)
	}
	if err := s.syncStates.Save(ctx, state); err != nil {
		s.logger.WarnContext(ctx, "save sync state failed", observability.SourceKey, sourceID, observability.ErrorKey, err)
	}
}

func (s *SyncService) finish(ctx context.Context, logger *slog.Logger, report *RunReport) {
	outcome := "success"
	if !report.Succeeded() {
		outcome = "partial"
	}
	s.metrics.Counter(observability.MetricSyncRuns, 1, observability.T("outcome", outcome))
	s.metrics.Timing(observability.MetricSyncDuration, report.Duration)
	if report.Succeeded() && !report.DryRun {
		s.metrics.Gauge(observability.MetricSyncLastSuccess, float64(report.FinishedAt.Unix()))
	}
	if !report.DryRun {
		for _, p := range report.Properties {
			for _, sc := range p.Scopes {
				s.recordScopeMetrics(sc)
			}
		}
	}

	logger.InfoContext(ctx, "sync run finished",
		"new", report.New,
		"modified", report.Modified,
		"removed", report.Removed,
		"unchanged", report.Unchanged,
		"flag_updates", report.FlagUpdates,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
		observability.DurationKey, report.Duration.Milliseconds(),
	)

	var wg sync.WaitGroup
	for _, sink := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Emit(context.WithoutCancel(ctx), report); err != nil {
				logger.WarnContext(ctx, "report sink failed", observability.ErrorKey, err)
			}
		}()
	}
	wg.Wait()
}

func (s *SyncService) recordScopeMetrics(sc ScopeReport) {
	tags := []observability.Tag{observability.T("source", sc.Source)}
	for status, n := range map[domain.Status]int{
		domain.StatusNew:      sc.New,
		domain.StatusModified: sc.Modified,
		domain.StatusRemoved:  sc.Removed,
	} {
		if n > 0 {
			s.metrics.Counter(observability.MetricTransitions, int64(n), append(tags, observability.T("status", string(status)))...)
		}
	}
	if sc.FlagUpdates > 0 {
		s.metrics.Counter(observability.MetricFlagUpdates, int64(sc.FlagUpdates), tags...)
	}
}

func countTransition(sr *ScopeReport, status domain.Status) {
	switch status {
	case domain.StatusNew:
		sr.New++
	case domain.StatusModified:
		sr.Modified++
	case domain.StatusRemoved:
		sr.Removed++
	}
}

func countPlanned(sr *ScopeReport, result domain.ReconcileResult) {
	for _, t := range result.Transitions() {
		countTransition(sr, t.Next.Status)
	}
	sr.FlagUpdates = len(result.FlagUpdates)
}

// payloadFailed reports whether the normalizer rejected the payload as a
// whole rather than individual entries.
func payloadFailed(errs []error) bool {
	for _, err := range errs {
		var ne *domain.NormalizationError
		if errors.As(err, &ne) && ne.Index < 0 {
			return true
		}
	}
	return false
}

// PlaceRejected returns the external ids of entries of src the normalizer
// rejected but that still name their booking, keyed by the scope they belong
// to. Ids of a multi-property source whose property is unknown are returned
// separately; they protect every scope of the tag.
func PlaceRejected(src domain.SourceDescriptor, errs []error) (map[domain.Scope][]string, []string) {
	placed := make(map[domain.Scope][]string)
	var unplaced []string
	for _, err := range errs {
		var ne *domain.NormalizationError
		if !errors.As(err, &ne) || ne.Index < 0 || ne.ExternalID == "" {
			continue
		}
		prop := ne.PropertyRef
		if !src.MultiProperty() {
			prop = src.PropertyRef
		} else if prop == "" {
			unplaced = append(unplaced, ne.ExternalID)
			continue
		}
		scope := domain.Scope{Source: src.Tag, PropertyRef: prop}
		placed[scope] = append(placed[scope], ne.ExternalID)
	}
	return placed, unplaced
}

func filterBatches(batches []scopeBatch, blocked blockedScopes) []scopeBatch {
	out := batches[:0]
	for _, b := range batches {
		if !blocked.blocks(b.scope) {
			out = append(out, b)
		}
	}
	return out
}

func sortBatches(batches []scopeBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].scope.PropertyRef != batches[j].scope.PropertyRef {
			return batches[i].scope.PropertyRef < batches[j].scope.PropertyRef
		}
		return batches[i].scope.Source < batches[j].scope.Source
	})
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

func warningStrings(ws []domain.IdentityCollisionWarning) []string {
	if len(ws) == 0 {
		return nil
	}
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.String()
	}
	return out
}
