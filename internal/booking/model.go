package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/slot-scheduling/internal/schedule"
)

// Appointment is the persisted booking record. Cancellation never deletes
// it; the status flips and the slot frees up logically.
type Appointment struct {
	ID               uuid.UUID
	ClinicID         uuid.UUID
	DoctorName       string
	Date             time.Time // calendar day, midnight in clinic time
	Time             time.Time
	SlotIndex        int
	SessionIndex     int
	TokenNumber      string
	NumericToken     int
	Status           schedule.Status
	BookedVia        schedule.Kind
	CancelledByBreak bool
	CutOffTime       time.Time  // fixed at original booking, never shifted
	NoShowTime       *time.Time // follows the slot when bookings shift
	PatientRef       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Occupant projects the appointment into the scheduling engine's view.
func (a Appointment) Occupant() schedule.Occupant {
	return schedule.Occupant{
		ID:               a.ID,
		SlotIndex:        a.SlotIndex,
		SessionIndex:     a.SessionIndex,
		NumericToken:     a.NumericToken,
		Kind:             a.BookedVia,
		Status:           a.Status,
		Time:             a.Time,
		CancelledByBreak: a.CancelledByBreak,
	}
}

// Occupants projects a day's appointments for the engine.
func Occupants(appts []Appointment) []schedule.Occupant {
	occ := make([]schedule.Occupant, 0, len(appts))
	for _, a := range appts {
		occ = append(occ, a.Occupant())
	}
	return occ
}

type ReservationStatus string

const (
	// ReservationReserved is the short-lived claim taken before the
	// appointment write.
	ReservationReserved ReservationStatus = "reserved"
	// ReservationBooked anchors a committed appointment. The row must
	// persist, not be deleted, or a second writer could race into the
	// vacated window.
	ReservationBooked ReservationStatus = "booked"
)

// SlotReservation is the lock record claiming one slot index ahead of the
// durable appointment write.
type SlotReservation struct {
	ClinicID    uuid.UUID
	DoctorName  string
	Date        time.Time
	SlotIndex   int
	HolderToken uuid.UUID
	Status      ReservationStatus
	ReservedAt  time.Time
}

// Stale reports whether this reservation no longer protects its slot. An
// unbooked claim goes stale quickly; a booked one is held much longer to
// protect legitimately slow commits.
func (r SlotReservation) Stale(now time.Time, reservedTTL, bookedTTL time.Duration) bool {
	age := now.Sub(r.ReservedAt)
	if r.Status == ReservationBooked {
		return age > bookedTTL
	}
	return age > reservedTTL
}

// DayKey identifies one doctor's schedule for one calendar date. All
// ordering guarantees in the engine are scoped to a single key.
type DayKey struct {
	ClinicID   uuid.UUID
	DoctorName string
	Date       time.Time
}
