package api

import (
	"time"

	"github.com/google/uuid"
)

type CreateBookingRequest struct {
	ClinicID      string `json:"clinic_id"`
	DoctorName    string `json:"doctor_name"`
	Date          string `json:"date"` // YYYY-MM-DD
	Type          string `json:"type"` // "Advance" or "WalkIn"
	PreferredSlot *int   `json:"preferred_slot,omitempty"`
	PatientRef    string `json:"patient_ref,omitempty"`
}

type BookingResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	TokenNumber   string    `json:"token_number"`
	NumericToken  int       `json:"numeric_token"`
	SlotIndex     int       `json:"slot_index"`
	SessionIndex  int       `json:"session_index"`
	Time          time.Time `json:"time"`
	ArriveBy      time.Time `json:"arrive_by"`
	ReservationID uuid.UUID `json:"reservation_id"`
}

type ScheduleBreakRequest struct {
	ClinicID     string `json:"clinic_id"`
	Date         string `json:"date"`
	Start        string `json:"start"` // RFC3339
	Minutes      int    `json:"minutes"`
	SessionIndex int    `json:"session_index"`
}

type RebalanceRequest struct {
	ClinicID string `json:"clinic_id"`
	Date     string `json:"date"`
}

type RebalanceResponse struct {
	Moved int `json:"moved"`
}

type UpdateStatusRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	TokenNumber      string     `json:"token_number"`
	NumericToken     int        `json:"numeric_token"`
	SlotIndex        int        `json:"slot_index"`
	SessionIndex     int        `json:"session_index"`
	Time             time.Time  `json:"time"`
	Status           string     `json:"status"`
	BookedVia        string     `json:"booked_via"`
	CancelledByBreak bool       `json:"cancelled_by_break,omitempty"`
	CutOffTime       time.Time  `json:"cutoff_time"`
	NoShowTime       *time.Time `json:"noshow_time,omitempty"`
}

type SlotView struct {
	Index        int       `json:"index"`
	Time         time.Time `json:"time"`
	SessionIndex int       `json:"session_index"`
	LeaveBlocked bool      `json:"leave_blocked,omitempty"`
}

type DayScheduleResponse struct {
	Date         string                `json:"date"`
	SlotMinutes  int                   `json:"slot_minutes"`
	Slots        []SlotView            `json:"slots"`
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
