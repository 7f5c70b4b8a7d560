package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicdesk/slot-scheduling/internal/booking"
	"github.com/clinicdesk/slot-scheduling/internal/schedule"
)

func createBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		if req.DoctorName == "" {
			writeError(w, http.StatusBadRequest, "invalid_doctor_name", "doctor_name is required")
			return
		}
		date, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		var kind schedule.Kind
		switch req.Type {
		case "Advance":
			kind = schedule.KindAdvance
		case "WalkIn":
			kind = schedule.KindWalkIn
		default:
			writeError(w, http.StatusBadRequest, "invalid_type", `type must be "Advance" or "WalkIn"`)
			return
		}

		result, err := svc.GenerateNextTokenAndReserveSlot(r.Context(), booking.BookingRequest{
			ClinicID:      clinicID,
			DoctorName:    req.DoctorName,
			Date:          date,
			Kind:          kind,
			PreferredSlot: req.PreferredSlot,
			PatientRef:    req.PatientRef,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, BookingResponse{
			AppointmentID: result.AppointmentID,
			TokenNumber:   result.TokenNumber,
			NumericToken:  result.NumericToken,
			SlotIndex:     result.SlotIndex,
			SessionIndex:  result.SessionIndex,
			Time:          result.Time,
			ArriveBy:      result.ArriveBy,
			ReservationID: result.ReservationID,
		})
	}
}

func scheduleBreakHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorName := chi.URLParam(r, "doctor")

		var req ScheduleBreakRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		date, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		start, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be RFC3339")
			return
		}
		if req.Minutes <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_minutes", "minutes must be positive")
			return
		}

		err = svc.ShiftAppointmentsForNewBreak(r.Context(), clinicID, doctorName, date, schedule.BreakWindow{
			Start:        start,
			Duration:     time.Duration(req.Minutes) * time.Minute,
			SessionIndex: req.SessionIndex,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func rebalanceHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorName := chi.URLParam(r, "doctor")

		var req RebalanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		date, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		moved, err := svc.RebalanceWalkInSchedule(r.Context(), clinicID, doctorName, date)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, RebalanceResponse{Moved: moved})
	}
}

func getDayScheduleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorName := chi.URLParam(r, "doctor")

		clinicID, err := uuid.Parse(r.URL.Query().Get("clinic_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		date, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("date"), time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		day, appts, err := svc.GetDaySchedule(r.Context(), clinicID, doctorName, date)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := DayScheduleResponse{
			Date:        day.Date.Format("2006-01-02"),
			SlotMinutes: day.SlotMinutes,
		}
		for _, s := range day.Slots {
			resp.Slots = append(resp.Slots, SlotView{
				Index:        s.Index,
				Time:         s.Time,
				SessionIndex: s.SessionIndex,
				LeaveBlocked: day.LeaveBlocked[s.Index],
			})
		}
		for _, a := range appts {
			resp.Appointments = append(resp.Appointments, appointmentResponse(a))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(*appt))
	}
}

func updateStatusHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.UpdateAppointmentStatus(r.Context(), id, schedule.Status(req.From), schedule.Status(req.To))
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, appointmentResponse(*appt))
	}
}

func appointmentResponse(a booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		TokenNumber:      a.TokenNumber,
		NumericToken:     a.NumericToken,
		SlotIndex:        a.SlotIndex,
		SessionIndex:     a.SessionIndex,
		Time:             a.Time,
		Status:           string(a.Status),
		BookedVia:        string(a.BookedVia),
		CancelledByBreak: a.CancelledByBreak,
		CutOffTime:       a.CutOffTime,
		NoShowTime:       a.NoShowTime,
	}
}

// handleBookingError translates engine errors into user-safe responses:
// "this slot was just taken" and friends, never raw transaction internals.
func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrDoctorUnavailable):
		writeError(w, http.StatusNotFound, "doctor_unavailable", "the doctor has no availability on this date")
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
	case errors.Is(err, booking.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "capacity_exceeded", "fully booked for this day, try another date")
	case errors.Is(err, booking.ErrNoAvailableSlot):
		writeError(w, http.StatusConflict, "no_available_slot", "no slot can take this booking")
	case errors.Is(err, booking.ErrSlotAlreadyBooked):
		writeError(w, http.StatusConflict, "slot_already_booked", "this slot was just taken, pick another")
	case errors.Is(err, booking.ErrBreakOverlap):
		writeError(w, http.StatusConflict, "break_overlap", "a break is already recorded over this window")
	case errors.Is(err, booking.ErrBookingFailed):
		writeError(w, http.StatusConflict, "booking_failed", "could not complete the booking, please try again")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
