package doctor

import (
	"time"

	"github.com/google/uuid"
)

type Doctor struct {
	ID                uuid.UUID
	ClinicID          uuid.UUID
	Name              string
	Specialty         *string
	AvgConsultMinutes int
	WalkInSpacing     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WeeklySession is one recurring availability block. Position orders a
// doctor's sessions within a weekday (morning before evening).
type WeeklySession struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	Weekday     time.Weekday
	Position    int
	StartMinute int
	EndMinute   int
}

// Extension lengthens one session on one date, e.g. the doctor agrees to
// stay late. Only honored when the new end is later than the template's.
type Extension struct {
	DoctorID     uuid.UUID
	Date         time.Time
	SessionIndex int
	NewEndMinute int
}

// Leave blocks a single slot's start time on one date.
type Leave struct {
	DoctorID uuid.UUID
	Date     time.Time
	At       time.Time
}

// Break is a clinician-scheduled pause inside a session on one date.
type Break struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	Date            time.Time
	Start           time.Time
	DurationMinutes int
	SessionIndex    int
}

// Profile is everything the engine needs about one doctor for one date.
type Profile struct {
	Doctor     Doctor
	Sessions   []WeeklySession // for the date's weekday, in position order
	Extensions []Extension     // for the date
	Leaves     []Leave         // for the date
	Breaks     []Break         // for the date
}
