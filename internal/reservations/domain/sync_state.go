package domain

import (
	"context"
	"time"

	sharedDomain "github.com/felixgeelhaar/staysync/internal/shared/domain"
	"github.com/google/uuid"
)

// SyncState tracks fetch health of one source across passes.
type SyncState struct {
	sharedDomain.BaseEntity
	sourceID      string
	lastAttemptAt time.Time // When the source was last fetched
	lastSyncedAt  time.Time // When the last successful fetch occurred
	payloadHash   string    // Hash of the last fetched payload
	syncErrors    int       // Count of consecutive fetch errors
	lastError     string
}

// NewSyncState creates an empty sync state for a source.
func NewSyncState(sourceID string, now time.Time) *SyncState {
	return &SyncState{
		BaseEntity: sharedDomain.NewBaseEntity(now),
		sourceID:   sourceID,
	}
}

// Getters
func (s *SyncState) SourceID() string         { return s.sourceID }
func (s *SyncState) LastAttemptAt() time.Time { return s.lastAttemptAt }
func (s *SyncState) LastSyncedAt() time.Time  { return s.lastSyncedAt }
func (s *SyncState) PayloadHash() string      { return s.payloadHash }
func (s *SyncState) SyncErrors() int          { return s.syncErrors }
func (s *SyncState) LastError() string        { return s.lastError }

// HasSynced returns true if at least one fetch succeeded.
func (s *SyncState) HasSynced() bool {
	return !s.lastSyncedAt.IsZero()
}

// PayloadChanged reports whether hash differs from the last successful payload.
func (s *SyncState) PayloadChanged(hash string) bool {
	return s.payloadHash != hash
}

// MarkSyncSuccess records a successful fetch.
func (s *SyncState) MarkSyncSuccess(payloadHash string, at time.Time) {
	s.payloadHash = payloadHash
	s.lastAttemptAt = at
	s.lastSyncedAt = at
	s.syncErrors = 0
	s.lastError = ""
	s.Touch(at)
}

// MarkSyncFailure records a failed fetch.
func (s *SyncState) MarkSyncFailure(err string, at time.Time) {
	s.syncErrors++
	s.lastError = err
	s.lastAttemptAt = at
	s.Touch(at)
}

// IsDegraded returns true once consecutive failures reach threshold.
func (s *SyncState) IsDegraded(threshold int) bool {
	return threshold > 0 && s.syncErrors >= threshold
}

// RehydrateSyncState recreates a sync state from persisted data.
func RehydrateSyncState(
	id uuid.UUID,
	sourceID string,
	lastAttemptAt time.Time,
	lastSyncedAt time.Time,
	payloadHash string,
	syncErrors int,
	lastError string,
	createdAt, updatedAt time.Time,
) *SyncState {
	return &SyncState{
		BaseEntity:    sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		sourceID:      sourceID,
		lastAttemptAt: lastAttemptAt,
		lastSyncedAt:  lastSyncedAt,
		payloadHash:   payloadHash,
		syncErrors:    syncErrors,
		lastError:     lastError,
	}
}

// SyncStateRepository defines persistence for per-source sync state.
type SyncStateRepository interface {
	// Save persists a sync state (create or update).
	Save(ctx context.Context, state *SyncState) error

	// FindBySource returns the state of a source, or nil if it was never fetched.
	FindBySource(ctx context.Context, sourceID string) (*SyncState, error)

	// FindAll returns the state of every source fetched so far.
	FindAll(ctx context.Context) ([]*SyncState, error)
}
