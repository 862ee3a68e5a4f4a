package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database"
)

const sourceColumns = `id, tag, property_ref, format, location, timeout_ms, enabled`

// ListEnabledSources returns the sources to fetch on a pass, ordered by id.
func (s *SQLStore) ListEnabledSources(ctx context.Context) ([]domain.SourceDescriptor, error) {
	var sources []domain.SourceDescriptor
	err := s.withRetry(ctx, "list_enabled_sources", func(ctx context.Context) error {
		rows, err := database.ExecutorFromContext(ctx, s.conn).Query(ctx,
			`SELECT `+sourceColumns+` FROM sources WHERE enabled = ? ORDER BY id`, true)
		if err != nil {
			return err
		}
		defer rows.Close()

		sources, err = scanSources(rows)
		return err
	})
	return sources, err
}

// ListSources returns the whole catalog, disabled sources included.
func (s *SQLStore) ListSources(ctx context.Context) ([]domain.SourceDescriptor, error) {
	var sources []domain.SourceDescriptor
	err := s.withRetry(ctx, "list_sources", func(ctx context.Context) error {
		rows, err := database.ExecutorFromContext(ctx, s.conn).Query(ctx,
			`SELECT `+sourceColumns+` FROM sources ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		sources, err = scanSources(rows)
		return err
	})
	return sources, err
}

// UpsertSource inserts a source or replaces its definition.
func (s *SQLStore) UpsertSource(ctx context.Context, desc domain.SourceDescriptor) error {
	now := database.FormatTime(s.now())
	return s.withRetry(ctx, "upsert_source", func(ctx context.Context) error {
		_, err := database.ExecutorFromContext(ctx, s.conn).Exec(ctx, `
			INSERT INTO sources (`+sourceColumns+`, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				tag = excluded.tag,
				property_ref = excluded.property_ref,
				format = excluded.format,
				location = excluded.location,
				timeout_ms = excluded.timeout_ms,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			desc.ID, desc.Tag, desc.PropertyRef, string(desc.Format), desc.Location,
			desc.Timeout.Milliseconds(), desc.Enabled, now, now)
		return err
	})
}

// SetSourceEnabled toggles a source without touching its records.
func (s *SQLStore) SetSourceEnabled(ctx context.Context, id string, enabled bool) error {
	return s.withRetry(ctx, "set_source_enabled", func(ctx context.Context) error {
		res, err := database.ExecutorFromContext(ctx, s.conn).Exec(ctx,
			`UPDATE sources SET enabled = ?, updated_at = ? WHERE id = ?`,
			enabled, database.FormatTime(s.now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("source %s: %w", id, domain.ErrSourceNotFound)
		}
		return nil
	})
}

func scanSources(rows database.Rows) ([]domain.SourceDescriptor, error) {
	var sources []domain.SourceDescriptor
	for rows.Next() {
		var (
			d         domain.SourceDescriptor
			format    string
			timeoutMS int64
		)
		if err := rows.Scan(&d.ID, &d.Tag, &d.PropertyRef, &format, &d.Location, &timeoutMS, &d.Enabled); err != nil {
			return nil, err
		}
		d.Format = domain.SourceFormat(format)
		d.Timeout = time.Duration(timeoutMS) * time.Millisecond
		sources = append(sources, d)
	}
	return sources, rows.Err()
}
