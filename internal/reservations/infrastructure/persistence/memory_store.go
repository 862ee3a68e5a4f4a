package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/google/uuid"
)

var (
	_ domain.Store               = (*MemoryStore)(nil)
	_ domain.RecordRepository    = (*MemoryStore)(nil)
	_ domain.SourceRepository    = (*MemoryStore)(nil)
	_ domain.SyncStateRepository = (*MemorySyncStateRepository)(nil)
)

// MemoryStore keeps records in memory with the same conditional-write rules
// as SQLStore. Used by tests and by ingest runs without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []domain.ReservationRecord
	sources map[string]domain.SourceDescriptor
	events  []domain.ReservationChangedEvent
	now     func() time.Time

	// BeforeApply, when set, runs at the start of ApplyTransition before the
	// store is locked, so it may write to the store itself. A non-nil error
	// aborts the write and is returned as is.
	BeforeApply func(previous *domain.ReservationRecord, next domain.ReservationRecord) error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[string]domain.SourceDescriptor),
		now:     time.Now,
	}
}

// Seed copies records into the store, assigning IDs where missing.
func (s *MemoryStore) Seed(records ...domain.ReservationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.ServiceFields = r.ServiceFields.Clone()
		s.records = append(s.records, r)
	}
}

func (s *MemoryStore) FindActiveByUID(_ context.Context, scope domain.Scope, uid domain.UID) (*domain.ReservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.UID == uid && r.IsActive() && r.Scope() == scope {
			out := copyRecord(r)
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindActiveByProperty(_ context.Context, propertyRef string) ([]domain.ReservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReservationRecord
	for _, r := range s.records {
		if r.PropertyRef == propertyRef && r.IsActive() {
			out = append(out, copyRecord(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CheckIn.Equal(out[j].CheckIn) {
			return out[i].CheckIn.Before(out[j].CheckIn)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func (s *MemoryStore) FindHistory(_ context.Context, uid domain.UID) ([]domain.ReservationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReservationRecord
	for _, r := range s.records {
		if r.UID == uid {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) PropertiesForSource(_ context.Context, source string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.records {
		if r.Source == source && r.IsActive() && r.Status != domain.StatusRemoved && !seen[r.PropertyRef] {
			seen[r.PropertyRef] = true
			out = append(out, r.PropertyRef)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, previous *domain.ReservationRecord, next domain.ReservationRecord) (domain.ReservationRecord, error) {
	if s.BeforeApply != nil {
		if err := s.BeforeApply(previous, next); err != nil {
			return domain.ReservationRecord{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeIndex(next.UID)
	if previous == nil {
		if active >= 0 {
			return domain.ReservationRecord{}, &domain.StoreConflictError{UID: next.UID}
		}
	} else {
		if active < 0 || !sameVersion(s.records[active], *previous) {
			return domain.ReservationRecord{}, &domain.StoreConflictError{UID: previous.UID}
		}
		s.records[active].Status = domain.StatusOld
	}

	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	next.ServiceFields = next.ServiceFields.Clone()
	s.records = append(s.records, next)
	s.events = append(s.events, domain.NewReservationChangedEvent(previous, next, s.now()))
	return copyRecord(next), nil
}

func (s *MemoryStore) UpdateFlags(_ context.Context, id uuid.UUID, flags domain.DerivedFlags, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id && s.records[i].IsActive() {
			s.records[i].Flags = flags
			s.records[i].LastSyncedAt = syncedAt
			return nil
		}
	}
	return fmt.Errorf("record %s: %w", id, domain.ErrStoreConflict)
}

func (s *MemoryStore) SetServiceField(_ context.Context, uid domain.UID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.activeIndex(uid)
	if i < 0 {
		return fmt.Errorf("uid %s: %w", uid, domain.ErrRecordNotFound)
	}
	r := &s.records[i]
	if r.Status != domain.StatusNew && r.Status != domain.StatusModified {
		return fmt.Errorf("uid %s is %s: %w", uid, r.Status, domain.ErrServiceFieldsLocked)
	}
	if r.ServiceFields == nil {
		r.ServiceFields = domain.ServiceFields{}
	}
	r.ServiceFields[key] = value
	r.Revision++
	return nil
}

func (s *MemoryStore) ListEnabledSources(ctx context.Context) ([]domain.SourceDescriptor, error) {
	all, _ := s.ListSources(ctx)
	var out []domain.SourceDescriptor
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSources(context.Context) ([]domain.SourceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SourceDescriptor, 0, len(s.sources))
	for _, d := range s.sources {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertSource(_ context.Context, desc domain.SourceDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[desc.ID] = desc
	return nil
}

func (s *MemoryStore) SetSourceEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, domain.ErrSourceNotFound)
	}
	d.Enabled = enabled
	s.sources[id] = d
	return nil
}

// Records returns every stored version, in insertion order.
func (s *MemoryStore) Records() []domain.ReservationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReservationRecord, len(s.records))
	for i, r := range s.records {
		out[i] = copyRecord(r)
	}
	return out
}

// Events returns the lifecycle events of every applied transition.
func (s *MemoryStore) Events() []domain.ReservationChangedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ReservationChangedEvent(nil), s.events...)
}

func (s *MemoryStore) activeIndex(uid domain.UID) int {
	for i, r := range s.records {
		if r.UID == uid && r.IsActive() {
			return i
		}
	}
	return -1
}

func sameVersion(a, b domain.ReservationRecord) bool {
	return a.ID == b.ID && a.Status == b.Status && a.Revision == b.Revision
}

func copyRecord(r domain.ReservationRecord) domain.ReservationRecord {
	r.ServiceFields = r.ServiceFields.Clone()
	return r
}

// MemorySyncStateRepository keeps sync state in memory.
type MemorySyncStateRepository struct {
	mu     sync.RWMutex
	states map[string]*domain.SyncState
}

// NewMemorySyncStateRepository creates an empty repository.
func NewMemorySyncStateRepository() *MemorySyncStateRepository {
	return &MemorySyncStateRepository{states: make(map[string]*domain.SyncState)}
}

func (r *MemorySyncStateRepository) Save(_ context.Context, state *domain.SyncState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.SourceID()] = state
	return nil
}

func (r *MemorySyncStateRepository) FindBySource(_ context.Context, sourceID string) (*domain.SyncState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[sourceID], nil
}

func (r *MemorySyncStateRepository) FindAll(context.Context) ([]*domain.SyncState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.SyncState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID() < out[j].SourceID() })
	return out, nil
}
