package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/slot-scheduling/internal/config"
	"github.com/clinicdesk/slot-scheduling/internal/doctor"
	"github.com/clinicdesk/slot-scheduling/internal/notify"
	redisclient "github.com/clinicdesk/slot-scheduling/internal/redis"
	"github.com/clinicdesk/slot-scheduling/internal/schedule"
)

// Service implements the slot allocation and queue scheduling engine: it
// expands availability into slots, selects candidates, and drives the
// reservation/commit protocol that makes a booking durable.
type Service struct {
	repo    Repository
	doctors doctor.Repository
	locker  redisclient.Locker
	notify  notify.Dispatcher
	cfg     config.Config
	log     *zap.Logger
	now     func() time.Time
}

func NewService(repo Repository, doctors doctor.Repository, locker redisclient.Locker, dispatcher notify.Dispatcher, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		doctors: doctors,
		locker:  locker,
		notify:  dispatcher,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// BookingRequest asks for the next token of the given kind on one doctor's
// date. PreferredSlot only applies to advance bookings.
type BookingRequest struct {
	ClinicID      uuid.UUID
	DoctorName    string
	Date          time.Time
	Kind          schedule.Kind
	PreferredSlot *int
	PatientRef    string
}

// BookingResult is the committed outcome: the slot actually won, which may
// differ from the one originally preferred.
type BookingResult struct {
	AppointmentID uuid.UUID
	TokenNumber   string
	NumericToken  int
	SlotIndex     int
	SessionIndex  int
	Time          time.Time
	ArriveBy      time.Time
	ReservationID uuid.UUID
}

// GenerateNextTokenAndReserveSlot books the next available token. Conflicts
// and staleness resolve locally through bounded retry; only exhaustion or
// fundamentally unsatisfiable requests cross this boundary as typed errors.
func (s *Service) GenerateNextTokenAndReserveSlot(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	prof, day, err := s.expandDay(ctx, req.ClinicID, req.DoctorName, req.Date)
	if err != nil {
		return nil, err
	}

	key := DayKey{ClinicID: req.ClinicID, DoctorName: req.DoctorName, Date: day.Date}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxTxAttempts; attempt++ {
		result, err := s.attemptBooking(ctx, key, day, prof, req)
		if err == nil {
			s.publishBooked(ctx, key, result)
			return result, nil
		}
		if isTerminal(err) {
			return nil, err
		}
		if !s.isRetryable(err) {
			return nil, fmt.Errorf("booking attempt: %w", err)
		}
		lastErr = err
		s.log.Debug("booking attempt lost, retrying",
			zap.Int("attempt", attempt),
			zap.String("doctor", req.DoctorName),
			zap.Error(err),
		)
	}

	s.log.Warn("booking retries exhausted",
		zap.String("doctor", req.DoctorName),
		zap.Error(lastErr),
	)
	return nil, ErrBookingFailed
}

// attemptBooking runs one full candidate-selection + commit cycle. Selection
// happens outside any transaction; every conclusion it draws is re-verified
// inside the committing transaction.
func (s *Service) attemptBooking(ctx context.Context, key DayKey, day schedule.Day, prof *doctor.Profile, req BookingRequest) (*BookingResult, error) {
	now := s.now()

	appts, err := s.repo.ListDayAppointments(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list day appointments: %w", err)
	}
	occ := Occupants(appts)
	caps := schedule.PartitionCapacity(day, occ, now, s.cfg.WalkInReservePct)

	var placement schedule.WalkInPlacement
	var candidates []int

	if req.Kind == schedule.KindWalkIn {
		cands := schedule.WalkInCandidates(day, occ, now, s.cfg.SameDayCutoff, prof.Doctor.WalkInSpacing)
		placement, err = schedule.ComputeWalkInSchedule(day, occ, now, prof.Doctor.WalkInSpacing, cands)
		if err != nil {
			if errors.Is(err, schedule.ErrNoPlacement) {
				return nil, ErrNoAvailableSlot
			}
			return nil, err
		}
		candidates = []int{placement.SlotIndex}
	} else {
		if schedule.ActiveAdvanceCount(occ) >= schedule.DayAdvanceCapacity(caps) {
			return nil, ErrCapacityExceeded
		}
		candidates = schedule.AdvanceCandidates(day, occ, caps, now, s.cfg.SameDayCutoff, req.PreferredSlot)
		if len(candidates) == 0 {
			return nil, ErrNoAvailableSlot
		}
	}

	for _, cand := range candidates {
		result, err := s.commitCandidate(ctx, key, day, req, appts, placement, cand, now)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, ErrSlotAlreadyBooked),
			errors.Is(err, ErrReservationMismatch),
			errors.Is(err, redisclient.ErrLockNotAcquired):
			// This candidate is contended; the next one may not be.
			continue
		default:
			return nil, err
		}
	}

	return nil, ErrSlotAlreadyBooked
}

// commitCandidate runs the two-phase reservation/commit protocol for one
// candidate slot, under the per-slot advisory lock.
func (s *Service) commitCandidate(ctx context.Context, key DayKey, day schedule.Day, req BookingRequest, appts []Appointment, placement schedule.WalkInPlacement, cand int, now time.Time) (*BookingResult, error) {
	holder := uuid.New()
	lockKey := redisclient.SlotLockKey(key.ClinicID, key.DoctorName, key.Date, cand)

	var result *BookingResult
	err := s.locker.WithSlotLock(ctx, lockKey, func(ctx context.Context) error {
		if err := s.reserveSlot(ctx, key, cand, holder, now); err != nil {
			return err
		}

		res, err := s.commitReserved(ctx, key, day, req, appts, placement, cand, holder, now)
		if err != nil {
			// Best-effort compensating cleanup, exactly once per failed
			// attempt. Its own failure is logged and swallowed so it never
			// masks the original error.
			s.releaseReservation(ctx, key, cand, holder)
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reserveSlot claims the candidate with a short-lived reservation. A fresh
// reservation held by someone else means the candidate is taken; a stale
// one is abandoned and safe to override.
func (s *Service) reserveSlot(ctx context.Context, key DayKey, cand int, holder uuid.UUID, now time.Time) error {
	return s.repo.InTx(ctx, func(ctx context.Context, tx Store) error {
		existing, err := tx.GetReservation(ctx, key, cand)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Stale(now, s.cfg.ReservationTTL, s.cfg.BookedReservationTTL) {
			return ErrSlotAlreadyBooked
		}

		return tx.UpsertReservation(ctx, SlotReservation{
			ClinicID:    key.ClinicID,
			DoctorName:  key.DoctorName,
			Date:        key.Date,
			SlotIndex:   cand,
			HolderToken: holder,
			Status:      ReservationReserved,
			ReservedAt:  now,
		})
	})
}

// commitReserved validates the reservation and writes the appointment in a
// single transaction: reservation flips to booked (not deleted), displaced
// bookings shift, and for walk-ins the day counter increments atomically
// with the insert.
func (s *Service) commitReserved(ctx context.Context, key DayKey, day schedule.Day, req BookingRequest, appts []Appointment, placement schedule.WalkInPlacement, cand int, holder uuid.UUID, now time.Time) (*BookingResult, error) {
	var result *BookingResult

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Store) error {
		res, err := tx.GetReservation(ctx, key, cand)
		if err != nil {
			return err
		}
		if res == nil || res.HolderToken != holder || res.Status != ReservationReserved {
			return ErrReservationMismatch
		}

		// Defends against a writer that committed between candidate
		// selection and this transaction.
		existing, err := tx.GetActiveAppointmentAtSlot(ctx, key, cand)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		if existing != nil {
			return ErrSlotAlreadyBooked
		}

		res.Status = ReservationBooked
		res.ReservedAt = now
		if err := tx.UpsertReservation(ctx, *res); err != nil {
			return err
		}

		slotTime := day.SlotTime(cand)
		if req.Kind == schedule.KindWalkIn {
			slotTime = placement.Time
			if err := s.applyWalkInShifts(ctx, tx, appts, placement); err != nil {
				return err
			}
		}

		appt := Appointment{
			ID:           uuid.New(),
			ClinicID:     key.ClinicID,
			DoctorName:   key.DoctorName,
			Date:         key.Date,
			Time:         slotTime,
			SlotIndex:    cand,
			SessionIndex: day.SessionOf(cand),
			BookedVia:    req.Kind,
			CutOffTime:   slotTime.Add(-s.cfg.ArriveByLead),
			PatientRef:   req.PatientRef,
		}
		noShow := slotTime.Add(s.cfg.NoShowGrace)
		appt.NoShowTime = &noShow

		if req.Kind == schedule.KindWalkIn {
			counter, err := tx.NextWalkInCounter(ctx, key)
			if err != nil {
				return err
			}
			appt.NumericToken, appt.TokenNumber = schedule.WalkInToken(s.cfg.WalkInTokenBase, counter)
			appt.Status = schedule.StatusConfirmed
		} else {
			// Advance tokens are derived from the slot actually won, not
			// from any counter.
			appt.NumericToken, appt.TokenNumber = schedule.AdvanceToken(cand)
			appt.Status = schedule.StatusPending
		}

		if err := tx.InsertAppointment(ctx, &appt); err != nil {
			return err
		}

		result = &BookingResult{
			AppointmentID: appt.ID,
			TokenNumber:   appt.TokenNumber,
			NumericToken:  appt.NumericToken,
			SlotIndex:     appt.SlotIndex,
			SessionIndex:  appt.SessionIndex,
			Time:          appt.Time,
			ArriveBy:      appt.CutOffTime,
			ReservationID: holder,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyWalkInShifts moves the bookings a walk-in displaces, highest index
// first so the active-slot uniqueness constraint never trips mid-flight.
// Shifted advance bookings get their positional token re-derived; their
// cutOffTime stays fixed at original booking.
func (s *Service) applyWalkInShifts(ctx context.Context, tx Store, appts []Appointment, placement schedule.WalkInPlacement) error {
	if len(placement.Shifts) == 0 {
		return nil
	}

	kindByID := make(map[uuid.UUID]schedule.Kind, len(appts))
	for _, a := range appts {
		kindByID[a.ID] = a.BookedVia
	}

	for i := len(placement.Shifts) - 1; i >= 0; i-- {
		u := placement.Shifts[i]
		noShow := u.NewTime.Add(s.cfg.NoShowGrace)
		if err := tx.ApplyShift(ctx, u.AppointmentID, u.NewSlotIndex, u.NewTime, &noShow); err != nil {
			return err
		}
		if kindByID[u.AppointmentID] == schedule.KindAdvance {
			n, token := schedule.AdvanceToken(u.NewSlotIndex)
			if err := tx.ApplyToken(ctx, u.AppointmentID, n, token); err != nil {
				return err
			}
		}
	}
	return nil
}

// RebalanceWalkInSchedule re-runs walk-in placement against current state,
// pulling walk-ins into gaps opened by cancellations or no-shows. Idempotent.
// Returns the number of bookings moved.
func (s *Service) RebalanceWalkInSchedule(ctx context.Context, clinicID uuid.UUID, doctorName string, date time.Time) (int, error) {
	prof, day, err := s.expandDay(ctx, clinicID, doctorName, date)
	if err != nil {
		return 0, err
	}
	key := DayKey{ClinicID: clinicID, DoctorName: doctorName, Date: day.Date}

	moved := 0
	err = s.withTxRetry(ctx, func(ctx context.Context, tx Store) error {
		appts, err := tx.ListDayAppointments(ctx, key)
		if err != nil {
			return err
		}

		updates := schedule.PlanWalkInRebalance(day, Occupants(appts), s.now(), prof.Doctor.WalkInSpacing)
		for _, u := range updates {
			noShow := u.NewTime.Add(s.cfg.NoShowGrace)
			if err := tx.ApplyShift(ctx, u.AppointmentID, u.NewSlotIndex, u.NewTime, &noShow); err != nil {
				return err
			}
		}
		moved = len(updates)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if moved > 0 {
		s.notify.Publish(ctx, notify.Event{
			Type:       notify.EventQueuePositionChanged,
			ClinicID:   clinicID,
			DoctorName: doctorName,
			Date:       day.Date.Format("2006-01-02"),
			Payload:    map[string]any{"moved": moved},
		})
	}
	return moved, nil
}

// ShiftAppointmentsForNewBreak reflows the day around a newly scheduled
// break: bookings inside the window become inert placeholders and re-home
// after it, later bookings shift by the dynamic amount, and advance tokens
// are resequenced across the whole day.
func (s *Service) ShiftAppointmentsForNewBreak(ctx context.Context, clinicID uuid.UUID, doctorName string, date time.Time, brk schedule.BreakWindow) error {
	prof, day, err := s.expandDay(ctx, clinicID, doctorName, date)
	if err != nil {
		return err
	}

	// Reflowing the same window twice would displace the re-homed bookings
	// all over again, so a break may not touch one already on record.
	newEnd := brk.Start.Add(brk.Duration)
	for _, existing := range prof.Breaks {
		existingEnd := existing.Start.Add(time.Duration(existing.DurationMinutes) * time.Minute)
		if brk.Start.Before(existingEnd) && existing.Start.Before(newEnd) {
			return ErrBreakOverlap
		}
	}

	key := DayKey{ClinicID: clinicID, DoctorName: doctorName, Date: day.Date}

	err = s.withTxRetry(ctx, func(ctx context.Context, tx Store) error {
		appts, err := tx.ListDayAppointments(ctx, key)
		if err != nil {
			return err
		}
		apptByID := make(map[uuid.UUID]Appointment, len(appts))
		for _, a := range appts {
			apptByID[a.ID] = a
		}

		plan := schedule.PlanBreakReflow(day, Occupants(appts), brk)

		// Uniform shift first, highest index first, so displaced clones
		// land on vacated indices.
		for i := len(plan.PostShifts) - 1; i >= 0; i-- {
			u := plan.PostShifts[i]
			noShow := u.NewTime.Add(s.cfg.NoShowGrace)
			if err := tx.ApplyShift(ctx, u.AppointmentID, u.NewSlotIndex, u.NewTime, &noShow); err != nil {
				return err
			}
		}

		for _, mv := range plan.Moves {
			orig, ok := apptByID[mv.OriginalID]
			if !ok {
				return fmt.Errorf("displaced appointment %s not loaded", mv.OriginalID)
			}

			if err := tx.MarkDisplacedByBreak(ctx, orig.ID); err != nil {
				return err
			}

			clone := orig
			clone.ID = uuid.New()
			clone.SlotIndex = mv.NewSlotIndex
			clone.SessionIndex = day.SessionOf(mv.NewSlotIndex)
			clone.Time = mv.NewTime
			clone.CancelledByBreak = false
			noShow := mv.NewTime.Add(s.cfg.NoShowGrace)
			clone.NoShowTime = &noShow
			if orig.BookedVia == schedule.KindAdvance {
				clone.NumericToken, clone.TokenNumber = schedule.AdvanceToken(mv.NewSlotIndex)
			}
			if err := tx.InsertAppointment(ctx, &clone); err != nil {
				return err
			}
		}

		// Window slots nobody held get a synthetic break-block so they read
		// as occupied to every other component.
		for _, pi := range plan.PlaceholderIndices {
			block := Appointment{
				ID:           uuid.New(),
				ClinicID:     key.ClinicID,
				DoctorName:   key.DoctorName,
				Date:         key.Date,
				Time:         day.SlotTime(pi),
				SlotIndex:    pi,
				SessionIndex: day.SessionOf(pi),
				TokenNumber:  "BRK",
				Status:       schedule.StatusCompleted,
				BookedVia:    schedule.KindBreakBlock,
				CutOffTime:   day.SlotTime(pi),
			}
			if err := tx.InsertAppointment(ctx, &block); err != nil {
				return err
			}
		}

		for _, tu := range plan.TokenUpdates {
			if err := tx.ApplyToken(ctx, tu.AppointmentID, tu.NumericToken, tu.TokenNumber); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if err := s.doctors.InsertBreak(ctx, doctor.Break{
		DoctorID:        prof.Doctor.ID,
		Date:            day.Date,
		Start:           brk.Start,
		DurationMinutes: int(brk.Duration / time.Minute),
		SessionIndex:    brk.SessionIndex,
	}); err != nil {
		return fmt.Errorf("record break period: %w", err)
	}

	s.notify.Publish(ctx, notify.Event{
		Type:       notify.EventScheduleShifted,
		ClinicID:   clinicID,
		DoctorName: doctorName,
		Date:       day.Date.Format("2006-01-02"),
		Payload: map[string]any{
			"break_start":   brk.Start,
			"break_minutes": int(brk.Duration / time.Minute),
		},
	})
	return nil
}

// CancelAppointment flips an active booking to Cancelled, freeing its slot
// logically. The record itself is never deleted.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Active() || appt.Occupant().Placeholder() {
		return nil, ErrAppointmentNotFound
	}

	updated, err := s.repo.UpdateStatus(ctx, appt.ID, appt.Status, schedule.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.notify.Publish(ctx, notify.Event{
		Type:       notify.EventQueuePositionChanged,
		ClinicID:   updated.ClinicID,
		DoctorName: updated.DoctorName,
		Date:       updated.Date.Format("2006-01-02"),
		Payload:    map[string]any{"cancelled_token": updated.TokenNumber},
	})
	return updated, nil
}

// UpdateAppointmentStatus performs a guarded status transition.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to schedule.Status) (*Appointment, error) {
	return s.repo.UpdateStatus(ctx, id, from, to)
}

// GetDaySchedule expands the grid and loads the appointments for one
// doctor's date; the read-only view the booking UIs render.
func (s *Service) GetDaySchedule(ctx context.Context, clinicID uuid.UUID, doctorName string, date time.Time) (schedule.Day, []Appointment, error) {
	_, day, err := s.expandDay(ctx, clinicID, doctorName, date)
	if err != nil {
		return schedule.Day{}, nil, err
	}

	appts, err := s.repo.ListDayAppointments(ctx, DayKey{ClinicID: clinicID, DoctorName: doctorName, Date: day.Date})
	if err != nil {
		return schedule.Day{}, nil, err
	}
	return day, appts, nil
}

// ExpireStaleReservations is the janitor entry point. Staleness is already
// checked at claim time, so this only keeps the reservation table small.
func (s *Service) ExpireStaleReservations(ctx context.Context) (int64, error) {
	now := s.now()
	return s.repo.DeleteStaleReservations(ctx,
		now.Add(-s.cfg.ReservationTTL),
		now.Add(-s.cfg.BookedReservationTTL),
	)
}

// Helpers

func (s *Service) expandDay(ctx context.Context, clinicID uuid.UUID, doctorName string, date time.Time) (*doctor.Profile, schedule.Day, error) {
	prof, err := s.doctors.GetProfile(ctx, clinicID, doctorName, date)
	if err != nil {
		if errors.Is(err, doctor.ErrDoctorNotFound) {
			return nil, schedule.Day{}, ErrDoctorUnavailable
		}
		return nil, schedule.Day{}, fmt.Errorf("load doctor profile: %w", err)
	}

	slotMinutes := prof.Doctor.AvgConsultMinutes
	if slotMinutes <= 0 {
		slotMinutes = s.cfg.DefaultSlotMinutes
	}

	av := schedule.Availability{SlotMinutes: slotMinutes}
	for _, sess := range prof.Sessions {
		av.Sessions = append(av.Sessions, schedule.SessionWindow{
			StartMinute: sess.StartMinute,
			EndMinute:   sess.EndMinute,
		})
	}
	for _, ext := range prof.Extensions {
		av.Extensions = append(av.Extensions, schedule.SessionExtension{
			SessionIndex: ext.SessionIndex,
			NewEndMinute: ext.NewEndMinute,
		})
	}
	for _, lv := range prof.Leaves {
		av.Leave = append(av.Leave, lv.At)
	}

	day := schedule.ExpandDay(date, av)
	if day.Empty() {
		return nil, schedule.Day{}, ErrDoctorUnavailable
	}
	return prof, day, nil
}

func (s *Service) withTxRetry(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxTxAttempts; attempt++ {
		err := s.repo.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !s.repo.IsConflict(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrBookingFailed, lastErr)
}

func (s *Service) releaseReservation(ctx context.Context, key DayKey, slotIndex int, holder uuid.UUID) {
	if err := s.repo.DeleteReservation(ctx, key, slotIndex, holder); err != nil {
		s.log.Warn("release orphaned reservation",
			zap.String("doctor", key.DoctorName),
			zap.Int("slot_index", slotIndex),
			zap.Error(err),
		)
	}
}

func (s *Service) publishBooked(ctx context.Context, key DayKey, res *BookingResult) {
	s.notify.Publish(ctx, notify.Event{
		Type:       notify.EventBookingConfirmed,
		ClinicID:   key.ClinicID,
		DoctorName: key.DoctorName,
		Date:       key.Date.Format("2006-01-02"),
		Payload: map[string]any{
			"token_number": res.TokenNumber,
			"slot_index":   res.SlotIndex,
			"time":         res.Time,
		},
	})
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrNoAvailableSlot) ||
		errors.Is(err, ErrDoctorUnavailable)
}

func (s *Service) isRetryable(err error) bool {
	return errors.Is(err, ErrSlotAlreadyBooked) ||
		errors.Is(err, ErrReservationMismatch) ||
		errors.Is(err, redisclient.ErrLockNotAcquired) ||
		s.repo.IsConflict(err)
}
