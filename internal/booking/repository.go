package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/slot-scheduling/internal/schedule"
)

// Store contains the appointment and reservation operations the service
// needs. The same interface serves pool-backed reads and transaction-scoped
// writes; mutation is only safe through InTx on Repository.
type Store interface {
	ListDayAppointments(ctx context.Context, key DayKey) ([]Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetActiveAppointmentAtSlot(ctx context.Context, key DayKey, slotIndex int) (*Appointment, error)

	GetReservation(ctx context.Context, key DayKey, slotIndex int) (*SlotReservation, error)
	UpsertReservation(ctx context.Context, res SlotReservation) error
	DeleteReservation(ctx context.Context, key DayKey, slotIndex int, holder uuid.UUID) error

	InsertAppointment(ctx context.Context, appt *Appointment) error
	ApplyShift(ctx context.Context, id uuid.UUID, newSlotIndex int, newTime time.Time, newNoShowTime *time.Time) error
	ApplyToken(ctx context.Context, id uuid.UUID, numericToken int, tokenNumber string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to schedule.Status) (*Appointment, error)

	// MarkDisplacedByBreak turns a displaced booking's original document into
	// an inert placeholder: Completed, cancelledByBreak, BreakBlock.
	MarkDisplacedByBreak(ctx context.Context, id uuid.UUID) error

	// NextWalkInCounter atomically bumps and returns the per-day walk-in
	// counter. Must be called inside the transaction committing the
	// dependent appointment, never read-then-written outside one.
	NextWalkInCounter(ctx context.Context, key DayKey) (int, error)
}

// Repository is the durable store. InTx runs fn inside a serializable
// transaction; callers retry when the store reports a serialization
// conflict.
type Repository interface {
	Store

	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// IsConflict reports whether err is a concurrency abort worth retrying.
	IsConflict(err error) bool

	// DeleteStaleReservations is hygiene for the janitor: correctness never
	// depends on it because staleness is checked at claim time.
	DeleteStaleReservations(ctx context.Context, reservedBefore, bookedBefore time.Time) (int64, error)
}
