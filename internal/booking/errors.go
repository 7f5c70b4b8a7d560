package booking

import "errors"

var (
	// ErrSlotAlreadyBooked means another writer committed first. Retryable:
	// the caller should re-run candidate selection before giving up.
	ErrSlotAlreadyBooked = errors.New("slot already booked")

	// ErrCapacityExceeded means the advance quota for the remaining day is
	// fully consumed. Terminal for this request.
	ErrCapacityExceeded = errors.New("advance booking capacity exceeded")

	// ErrNoAvailableSlot means candidate search produced nothing. Terminal.
	ErrNoAvailableSlot = errors.New("no available slot")

	// ErrReservationMismatch means a reservation's recorded identity
	// disagrees with the committing transaction. Treated as a conflict and
	// retried like ErrSlotAlreadyBooked.
	ErrReservationMismatch = errors.New("reservation mismatch")

	// ErrBookingFailed means transaction retries were exhausted. Terminal.
	ErrBookingFailed = errors.New("booking failed, please try again")

	// ErrDoctorUnavailable means the doctor has no sessions on the date.
	ErrDoctorUnavailable = errors.New("doctor unavailable on this date")

	// ErrBreakOverlap means the requested break intersects one already
	// recorded for the doctor on that date.
	ErrBreakOverlap = errors.New("break overlaps an existing break")

	ErrAppointmentNotFound = errors.New("appointment not found")
)
