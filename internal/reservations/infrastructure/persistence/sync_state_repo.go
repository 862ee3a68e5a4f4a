package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database"
	"github.com/google/uuid"
)

// SyncStateRepository persists per-source fetch state.
type SyncStateRepository struct {
	conn database.Connection
}

var _ domain.SyncStateRepository = (*SyncStateRepository)(nil)

// NewSyncStateRepository creates a sync state repository over conn.
func NewSyncStateRepository(conn database.Connection) *SyncStateRepository {
	return &SyncStateRepository{conn: conn}
}

const syncStateColumns = `id, source_id, last_attempt_at, last_synced_at, payload_hash, sync_errors, last_error, created_at, updated_at`

// Save creates or updates the state of a source.
func (r *SyncStateRepository) Save(ctx context.Context, state *domain.SyncState) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO source_sync_state (`+syncStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			last_attempt_at = excluded.last_attempt_at,
			last_synced_at = excluded.last_synced_at,
			payload_hash = excluded.payload_hash,
			sync_errors = excluded.sync_errors,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		state.ID().String(),
		state.SourceID(),
		database.FormatTime(state.LastAttemptAt()),
		database.FormatTime(state.LastSyncedAt()),
		state.PayloadHash(),
		state.SyncErrors(),
		state.LastError(),
		database.FormatTime(state.CreatedAt()),
		database.FormatTime(state.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("save sync state %s: %w", state.SourceID(), err)
	}
	return nil
}

// FindBySource returns the state of a source, or nil when it was never fetched.
func (r *SyncStateRepository) FindBySource(ctx context.Context, sourceID string) (*domain.SyncState, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+syncStateColumns+` FROM source_sync_state WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states, err := scanSyncStates(rows)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return states[0], nil
}

// FindAll returns the state of every source, ordered by source id.
func (r *SyncStateRepository) FindAll(ctx context.Context) ([]*domain.SyncState, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+syncStateColumns+` FROM source_sync_state ORDER BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSyncStates(rows)
}

func scanSyncStates(rows database.Rows) ([]*domain.SyncState, error) {
	var states []*domain.SyncState
	for rows.Next() {
		var (
			id, sourceID, hash, lastErr string
			attempted, synced           string
			created, updated            string
			syncErrors                  int
		)
		if err := rows.Scan(&id, &sourceID, &attempted, &synced, &hash, &syncErrors, &lastErr, &created, &updated); err != nil {
			return nil, err
		}

		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("sync state id %q: %w", id, err)
		}
		var parsed [4]time.Time
		for i, s := range []string{attempted, synced, created, updated} {
			if parsed[i], err = database.ParseTime(s); err != nil {
				return nil, fmt.Errorf("sync state %s: %w", sourceID, err)
			}
		}

		states = append(states, domain.RehydrateSyncState(
			parsedID, sourceID, parsed[0], parsed[1], hash, syncErrors, lastErr, parsed[2], parsed[3],
		))
	}
	return states, rows.Err()
}
