package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/slot-scheduling/internal/db"
	"github.com/clinicdesk/slot-scheduling/internal/schedule"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx so the same store
// code serves plain reads and transaction-scoped writes.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgStore struct {
	q queryer
}

type PgRepository struct {
	pgStore
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pgStore: pgStore{q: pool}, pool: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return db.InSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgStore{q: tx})
	})
}

func (r *PgRepository) IsConflict(err error) bool {
	return db.IsSerializationFailure(err)
}

func (r *PgRepository) DeleteStaleReservations(ctx context.Context, reservedBefore, bookedBefore time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM slot_reservations
		WHERE (status = 'reserved' AND reserved_at < $1)
		   OR (status = 'booked' AND reserved_at < $2)
	`, reservedBefore, bookedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete stale reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Helpers

const appointmentColumns = `
	id, clinic_id, doctor_name, date, time, slot_index, session_index,
	token_number, numeric_token, status, booked_via, cancelled_by_break,
	cutoff_time, noshow_time, patient_ref, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var noShow *time.Time

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.DoctorName,
		&a.Date,
		&a.Time,
		&a.SlotIndex,
		&a.SessionIndex,
		&a.TokenNumber,
		&a.NumericToken,
		&a.Status,
		&a.BookedVia,
		&a.CancelledByBreak,
		&a.CutOffTime,
		&noShow,
		&a.PatientRef,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.NoShowTime = noShow
	return &a, nil
}

func dateArg(t time.Time) string { return t.Format("2006-01-02") }

// Interface methods

func (s *pgStore) ListDayAppointments(ctx context.Context, key DayKey) ([]Appointment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1 AND doctor_name = $2 AND date = $3
		ORDER BY slot_index, created_at
	`, key.ClinicID, key.DoctorName, dateArg(key.Date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *pgStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *pgStore) GetActiveAppointmentAtSlot(ctx context.Context, key DayKey, slotIndex int) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1 AND doctor_name = $2 AND date = $3 AND slot_index = $4
		  AND status IN ('Pending', 'Confirmed', 'Skipped', 'Completed')
		LIMIT 1
	`, key.ClinicID, key.DoctorName, dateArg(key.Date), slotIndex)
	return scanAppointment(row)
}

func (s *pgStore) GetReservation(ctx context.Context, key DayKey, slotIndex int) (*SlotReservation, error) {
	row := s.q.QueryRow(ctx, `
		SELECT clinic_id, doctor_name, date, slot_index, holder_token, status, reserved_at
		FROM slot_reservations
		WHERE clinic_id = $1 AND doctor_name = $2 AND date = $3 AND slot_index = $4
	`, key.ClinicID, key.DoctorName, dateArg(key.Date), slotIndex)

	var res SlotReservation
	err := row.Scan(
		&res.ClinicID,
		&res.DoctorName,
		&res.Date,
		&res.SlotIndex,
		&res.HolderToken,
		&res.Status,
		&res.ReservedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (s *pgStore) UpsertReservation(ctx context.Context, res SlotReservation) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO slot_reservations (clinic_id, doctor_name, date, slot_index, holder_token, status, reserved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (clinic_id, doctor_name, date, slot_index)
		DO UPDATE SET holder_token = EXCLUDED.holder_token,
		              status = EXCLUDED.status,
		              reserved_at = EXCLUDED.reserved_at
	`, res.ClinicID, res.DoctorName, dateArg(res.Date), res.SlotIndex, res.HolderToken, res.Status, res.ReservedAt)
	if err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteReservation(ctx context.Context, key DayKey, slotIndex int, holder uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM slot_reservations
		WHERE clinic_id = $1 AND doctor_name = $2 AND date = $3 AND slot_index = $4
		  AND holder_token = $5 AND status = 'reserved'
	`, key.ClinicID, key.DoctorName, dateArg(key.Date), slotIndex, holder)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (s *pgStore) InsertAppointment(ctx context.Context, appt *Appointment) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO appointments (
			id, clinic_id, doctor_name, date, time, slot_index, session_index,
			token_number, numeric_token, status, booked_via, cancelled_by_break,
			cutoff_time, noshow_time, patient_ref, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
	`, appt.ID, appt.ClinicID, appt.DoctorName, dateArg(appt.Date), appt.Time,
		appt.SlotIndex, appt.SessionIndex, appt.TokenNumber, appt.NumericToken,
		appt.Status, appt.BookedVia, appt.CancelledByBreak, appt.CutOffTime,
		appt.NoShowTime, appt.PatientRef)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *pgStore) ApplyShift(ctx context.Context, id uuid.UUID, newSlotIndex int, newTime time.Time, newNoShowTime *time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointments
		SET slot_index = $2,
		    time = $3,
		    noshow_time = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, newSlotIndex, newTime, newNoShowTime)
	if err != nil {
		return fmt.Errorf("apply shift: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *pgStore) ApplyToken(ctx context.Context, id uuid.UUID, numericToken int, tokenNumber string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointments
		SET numeric_token = $2,
		    token_number = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, numericToken, tokenNumber)
	if err != nil {
		return fmt.Errorf("apply token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *pgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to schedule.Status) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (s *pgStore) MarkDisplacedByBreak(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointments
		SET status = 'Completed',
		    cancelled_by_break = true,
		    booked_via = 'BreakBlock',
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark displaced by break: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *pgStore) NextWalkInCounter(ctx context.Context, key DayKey) (int, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO token_counters (clinic_id, doctor_name, date, kind, value)
		VALUES ($1, $2, $3, 'Walk-in', 1)
		ON CONFLICT (clinic_id, doctor_name, date, kind)
		DO UPDATE SET value = token_counters.value + 1
		RETURNING value
	`, key.ClinicID, key.DoctorName, dateArg(key.Date))

	var value int
	if err := row.Scan(&value); err != nil {
		return 0, fmt.Errorf("next walk-in counter: %w", err)
	}
	return value, nil
}
