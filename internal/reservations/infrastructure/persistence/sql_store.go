// Package persistence stores reservation records, the source catalog and
// per-source sync state on SQLite or PostgreSQL.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	sharedDomain "github.com/felixgeelhaar/staysync/internal/shared/domain"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/retry"
	"github.com/felixgeelhaar/staysync/pkg/observability"
	"github.com/google/uuid"
)

var (
	_ domain.Store            = (*SQLStore)(nil)
	_ domain.RecordRepository = (*SQLStore)(nil)
	_ domain.SourceRepository = (*SQLStore)(nil)
)

// SQLStore implements the record store over a database.Connection.
// Every applied transition also writes a lifecycle event to the outbox in
// the same transaction.
type SQLStore struct {
	conn   database.Connection
	uow    *database.UnitOfWork
	outbox outbox.Repository
	retry  retry.Policy
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithRetryPolicy sets the policy for transient database failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *SQLStore) { s.retry = p }
}

// WithClock sets the time source used for catalog timestamps and events.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLStore) { s.logger = logger }
}

// NewSQLStore creates a store over conn. A nil outboxRepo disables event writes.
func NewSQLStore(conn database.Connection, outboxRepo outbox.Repository, opts ...Option) *SQLStore {
	s := &SQLStore{
		conn:   conn,
		uow:    database.NewUnitOfWork(conn),
		outbox: outboxRepo,
		retry:  retry.DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const recordColumns = `
	id, uid, source, property_ref, external_id, entry_type, service_type,
	check_in, check_out, guest_name, status, service_fields,
	overlapping, same_day_turnover, long_term_guest, owner_arriving,
	created_at, last_synced_at, revision`

// withRetry runs op under the retry policy, retrying transient driver errors
// and wrapping whatever remains (except conflicts and lookups) as an outage.
func (s *SQLStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		return fn(ctx)
	}, database.IsTransient, func(a retry.Attempt) {
		if a.Err != nil && database.IsTransient(a.Err) {
			s.logger.WarnContext(ctx, "store operation retrying", "op", op, "attempt", a.Number, "error", a.Err)
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStoreConflict) ||
		errors.Is(err, domain.ErrRecordNotFound) ||
		errors.Is(err, domain.ErrServiceFieldsLocked) ||
		errors.Is(err, domain.ErrSourceNotFound) {
		return err
	}
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

// FindActiveByUID returns the active version of uid in scope, or nil.
func (s *SQLStore) FindActiveByUID(ctx context.Context, scope domain.Scope, uid domain.UID) (*domain.ReservationRecord, error) {
	var found *domain.ReservationRecord
	err := s.withRetry(ctx, "find_active_by_uid", func(ctx context.Context) error {
		rows, err := database.ExecutorFromContext(ctx, s.conn).Query(ctx,
			`SELECT `+recordColumns+` FROM reservation_records
			 WHERE uid = ? AND source = ? AND property_ref = ? AND status <> ?`,
			string(uid), scope.Source, scope.PropertyRef, string(domain.StatusOld))
		if err != nil {
			return err
		}
		defer rows.Close()

		records, err := scanRecords(rows)
		if err != nil {
			return err
		}
		found = nil
		if len(records) > 0 {
			found = &records[0]
		}
		return nil
	})
	return found, err
}

// FindActiveByProperty returns every active record of a property, ordered by check-in.
func (s *SQLStore) FindActiveByProperty(ctx context.Context, propertyRef string) ([]domain.ReservationRecord, error) {
	var records []domain.ReservationRecord
	err := s.withRetry(ctx, "find_active_by_property", func(ctx context.Context) error {
		rows, err := database.ExecutorFromContext(ctx, s.conn).Query(ctx,
			`SELECT `+recordColumns+` FROM reservation_records
			 WHERE property_ref = ? AND status <> ?
			 ORDER BY check_in, uid`,
			propertyRef, string(domain.StatusOld))
		if err != nil {
			return err
		}
		defer rows.Close()

		records, err = scanRecords(rows)
		return err
	})
	return records, err
}

// FindHistory returns every version of uid, oldest first.
func (s *SQLStore) FindHistory(ctx context.Context, uid domain.UID) ([]domain.ReservationRecord, error) {
	var records []domain.ReservationRecord
	err := s.withRetry(ctx, "find_history", func(ctx context.Context) error {
		rows, err := database.ExecutorFromContext(ctx, s.conn).Query(ctx,
			`SELECT `+recordColumns+` FROM reservation_records
			 WHERE uid = ?
			 ORDER BY created_at, CASE WHEN status = ? THEN 0 ELSE 1 END`,
			string(uid), string(domain.StatusOld))
		if err != nil {
			return err
		}
		defer rows.Close()

		records, err = scanRecords(rows)
		return err
	})
	return records, err
}

// PropertiesForSource lists properties holding live records of a source tag.
// Removed records are skipped: there is nothing left to remove.
func (s *SQLStore) PropertiesForSource(ctx context.Context, source string) ([]string, error) {
	var props []string
	err := s.withRetry(ctx, "properties_for_source", func(ctx context.Context) error {
		rows, err := database.ExecutorFromContext(ctx, s.conn).Query(ctx,
			`SELECT DISTINCT property_ref FROM reservation_records
			 WHERE source = ? AND status <> ? AND status <> ?
			 ORDER BY property_ref`,
			source, string(domain.StatusOld), string(domain.StatusRemoved))
		if err != nil {
			return err
		}
		defer rows.Close()

		props = props[:0]
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			props = append(props, p)
		}
		return rows.Err()
	})
	return props, err
}

// ApplyTransition marks previous Old and inserts next in one transaction,
// together with the matching outbox event. previous must still be active at
// the status and revision it was read at.
func (s *SQLStore) ApplyTransition(ctx context.Context, previous *domain.ReservationRecord, next domain.ReservationRecord) (domain.ReservationRecord, error) {
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}

	err := s.withRetry(ctx, "apply_transition", func(ctx context.Context) error {
		return s.uow.Do(ctx, func(ctx context.Context) error {
			exec := database.ExecutorFromContext(ctx, s.conn)

			if previous != nil {
				res, err := exec.Exec(ctx,
					`UPDATE reservation_records SET status = ?
					 WHERE id = ? AND uid = ? AND status = ? AND revision = ?`,
					string(domain.StatusOld), previous.ID.String(), string(previous.UID), string(previous.Status), previous.Revision)
				if err != nil {
					return fmt.Errorf("supersede %s: %w", previous.UID, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				if n == 0 {
					return &domain.StoreConflictError{UID: previous.UID}
				}
			}

			if err := insertRecord(ctx, exec, next); err != nil {
				if database.IsUniqueViolation(err) {
					return &domain.StoreConflictError{UID: next.UID}
				}
				return fmt.Errorf("insert %s: %w", next.UID, err)
			}

			return s.publish(ctx, previous, next)
		})
	})
	if err != nil {
		return domain.ReservationRecord{}, err
	}
	return next, nil
}

func (s *SQLStore) publish(ctx context.Context, previous *domain.ReservationRecord, next domain.ReservationRecord) error {
	if s.outbox == nil {
		return nil
	}

	evt := domain.NewReservationChangedEvent(previous, next, s.now())
	evt.SetMetadata(metadataFromContext(ctx))
	msg, err := outbox.NewMessage(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.outbox.Save(ctx, msg); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func metadataFromContext(ctx context.Context) sharedDomain.EventMetadata {
	var md sharedDomain.EventMetadata
	if id, err := uuid.Parse(observability.CorrelationIDFromContext(ctx)); err == nil {
		md.CorrelationID = id
	}
	if id, err := uuid.Parse(observability.RunIDFromContext(ctx)); err == nil {
		md.RunID = id
	}
	return md
}

func insertRecord(ctx context.Context, exec database.Executor, r domain.ReservationRecord) error {
	fields, err := encodeServiceFields(r.ServiceFields)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx,
		`INSERT INTO reservation_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(),
		string(r.UID),
		r.Source,
		r.PropertyRef,
		r.ExternalID,
		string(r.EntryType),
		r.ServiceType,
		domain.FormatDate(r.CheckIn),
		domain.FormatDate(r.CheckOut),
		r.GuestOrOwnerName,
		string(r.Status),
		fields,
		r.Flags.Overlapping,
		r.Flags.SameDayTurnover,
		r.Flags.LongTermGuest,
		r.Flags.OwnerArriving,
		database.FormatTime(r.CreatedAt),
		database.FormatTime(r.LastSyncedAt),
		r.Revision,
	)
	return err
}

// UpdateFlags replaces the derived flags of an active record in place.
func (s *SQLStore) UpdateFlags(ctx context.Context, id uuid.UUID, flags domain.DerivedFlags, syncedAt time.Time) error {
	return s.withRetry(ctx, "update_flags", func(ctx context.Context) error {
		res, err := database.ExecutorFromContext(ctx, s.conn).Exec(ctx,
			`UPDATE reservation_records
			 SET overlapping = ?, same_day_turnover = ?, long_term_guest = ?, owner_arriving = ?, last_synced_at = ?
			 WHERE id = ? AND status <> ?`,
			flags.Overlapping, flags.SameDayTurnover, flags.LongTermGuest, flags.OwnerArriving,
			database.FormatTime(syncedAt), id.String(), string(domain.StatusOld))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("record %s: %w", id, domain.ErrStoreConflict)
		}
		return nil
	})
}

// SetServiceField writes one key of the service bag on the active version of
// uid and bumps its revision, so a supersession planned from an earlier read
// conflicts instead of dropping the field.
func (s *SQLStore) SetServiceField(ctx context.Context, uid domain.UID, key, value string) error {
	return s.withRetry(ctx, "set_service_field", func(ctx context.Context) error {
		return s.uow.Do(ctx, func(ctx context.Context) error {
			exec := database.ExecutorFromContext(ctx, s.conn)
			rows, err := exec.Query(ctx,
				`SELECT `+recordColumns+` FROM reservation_records WHERE uid = ? AND status <> ?`,
				string(uid), string(domain.StatusOld))
			if err != nil {
				return err
			}
			records, err := scanRecords(rows)
			rows.Close()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("uid %s: %w", uid, domain.ErrRecordNotFound)
			}

			current := records[0]
			if current.Status != domain.StatusNew && current.Status != domain.StatusModified {
				return fmt.Errorf("uid %s is %s: %w", uid, current.Status, domain.ErrServiceFieldsLocked)
			}

			fields := current.ServiceFields.Clone()
			if fields == nil {
				fields = domain.ServiceFields{}
			}
			fields[key] = value
			encoded, err := encodeServiceFields(fields)
			if err != nil {
				return err
			}

			res, err := exec.Exec(ctx,
				`UPDATE reservation_records SET service_fields = ?, revision = revision + 1
				 WHERE id = ? AND status = ? AND revision = ?`,
				encoded, current.ID.String(), string(current.Status), current.Revision)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return &domain.StoreConflictError{UID: uid}
			}
			return nil
		})
	})
}

func encodeServiceFields(f domain.ServiceFields) (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode service fields: %w", err)
	}
	return string(b), nil
}

func scanRecords(rows database.Rows) ([]domain.ReservationRecord, error) {
	var records []domain.ReservationRecord

	for rows.Next() {
		var (
			r                          domain.ReservationRecord
			id, uid, entryType, status string
			checkIn, checkOut          string
			fields                     string
			createdAt, syncedAt        string
		)
		err := rows.Scan(
			&id,
			&uid,
			&r.Source,
			&r.PropertyRef,
			&r.ExternalID,
			&entryType,
			&r.ServiceType,
			&checkIn,
			&checkOut,
			&r.GuestOrOwnerName,
			&status,
			&fields,
			&r.Flags.Overlapping,
			&r.Flags.SameDayTurnover,
			&r.Flags.LongTermGuest,
			&r.Flags.OwnerArriving,
			&createdAt,
			&syncedAt,
			&r.Revision,
		)
		if err != nil {
			return nil, err
		}

		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("record id %q: %w", id, err)
		}
		r.UID = domain.UID(uid)
		r.EntryType = domain.EntryType(entryType)
		r.Status = domain.Status(status)
		if r.CheckIn, err = domain.ParseDate(checkIn); err != nil {
			return nil, fmt.Errorf("record %s check_in: %w", uid, err)
		}
		if r.CheckOut, err = domain.ParseDate(checkOut); err != nil {
			return nil, fmt.Errorf("record %s check_out: %w", uid, err)
		}
		if fields != "" && fields != "{}" {
			if err := json.Unmarshal([]byte(fields), &r.ServiceFields); err != nil {
				return nil, fmt.Errorf("record %s service_fields: %w", uid, err)
			}
		}
		if r.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if r.LastSyncedAt, err = database.ParseTime(syncedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
