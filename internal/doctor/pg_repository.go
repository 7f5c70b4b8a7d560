package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(
		&d.ID,
		&d.ClinicID,
		&d.Name,
		&specialty,
		&d.AvgConsultMinutes,
		&d.WalkInSpacing,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Specialty = specialty
	return &d, nil
}

func (r *PgRepository) GetProfile(ctx context.Context, clinicID uuid.UUID, name string, date time.Time) (*Profile, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, clinic_id, name, specialty, avg_consult_minutes, walkin_spacing, created_at, updated_at
		FROM doctors
		WHERE clinic_id = $1 AND name = $2
	`, clinicID, name)

	d, err := scanDoctor(row)
	if err != nil {
		return nil, err
	}

	prof := &Profile{Doctor: *d}

	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, weekday, position, start_minute, end_minute
		FROM doctor_sessions
		WHERE doctor_id = $1 AND weekday = $2
		ORDER BY position
	`, d.ID, int(date.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s WeeklySession
		var weekday int
		if err := rows.Scan(&s.ID, &s.DoctorID, &weekday, &s.Position, &s.StartMinute, &s.EndMinute); err != nil {
			return nil, err
		}
		s.Weekday = time.Weekday(weekday)
		prof.Sessions = append(prof.Sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadDateOverrides(ctx, prof, date); err != nil {
		return nil, err
	}

	return prof, nil
}

func (r *PgRepository) loadDateOverrides(ctx context.Context, prof *Profile, date time.Time) error {
	doctorID := prof.Doctor.ID
	day := date.Format("2006-01-02")

	extRows, err := r.pool.Query(ctx, `
		SELECT doctor_id, date, session_index, new_end_minute
		FROM availability_extensions
		WHERE doctor_id = $1 AND date = $2
	`, doctorID, day)
	if err != nil {
		return fmt.Errorf("load extensions: %w", err)
	}
	defer extRows.Close()

	for extRows.Next() {
		var e Extension
		if err := extRows.Scan(&e.DoctorID, &e.Date, &e.SessionIndex, &e.NewEndMinute); err != nil {
			return err
		}
		prof.Extensions = append(prof.Extensions, e)
	}
	if err := extRows.Err(); err != nil {
		return err
	}

	leaveRows, err := r.pool.Query(ctx, `
		SELECT doctor_id, date, at
		FROM leave_slots
		WHERE doctor_id = $1 AND date = $2
	`, doctorID, day)
	if err != nil {
		return fmt.Errorf("load leave slots: %w", err)
	}
	defer leaveRows.Close()

	for leaveRows.Next() {
		var l Leave
		if err := leaveRows.Scan(&l.DoctorID, &l.Date, &l.At); err != nil {
			return err
		}
		prof.Leaves = append(prof.Leaves, l)
	}
	if err := leaveRows.Err(); err != nil {
		return err
	}

	brkRows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, date, start_time, duration_minutes, session_index
		FROM break_periods
		WHERE doctor_id = $1 AND date = $2
		ORDER BY start_time
	`, doctorID, day)
	if err != nil {
		return fmt.Errorf("load break periods: %w", err)
	}
	defer brkRows.Close()

	for brkRows.Next() {
		var b Break
		if err := brkRows.Scan(&b.ID, &b.DoctorID, &b.Date, &b.Start, &b.DurationMinutes, &b.SessionIndex); err != nil {
			return err
		}
		prof.Breaks = append(prof.Breaks, b)
	}
	return brkRows.Err()
}

func (r *PgRepository) InsertBreak(ctx context.Context, brk Break) error {
	id := brk.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO break_periods (id, doctor_id, date, start_time, duration_minutes, session_index)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, brk.DoctorID, brk.Date.Format("2006-01-02"), brk.Start, brk.DurationMinutes, brk.SessionIndex)
	if err != nil {
		return fmt.Errorf("insert break period: %w", err)
	}

	return nil
}
