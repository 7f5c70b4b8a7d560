package schedule

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment. Active statuses occupy
// their slot; Cancelled and No-show free it logically without deleting the
// record.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusSkipped   Status = "Skipped"
	StatusCompleted Status = "Completed"
	StatusNoShow    Status = "No-show"
	StatusCancelled Status = "Cancelled"
)

// Active reports whether an appointment in this status still occupies its slot.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusSkipped, StatusCompleted:
		return true
	}
	return false
}

// Kind distinguishes how a booking entered the schedule.
type Kind string

const (
	KindAdvance    Kind = "Advance Booking"
	KindWalkIn     Kind = "Walk-in"
	KindBreakBlock Kind = "BreakBlock"
)

// Slot is one bookable unit of a doctor's day. Slots are derived from
// availability on every call, never persisted; Index is 0-based and
// contiguous across all sessions of the day in time order.
type Slot struct {
	Index        int
	Time         time.Time
	SessionIndex int
}

// SessionSpan records where one session's slots sit in the day-global index
// space.
type SessionSpan struct {
	Index     int
	FirstSlot int
	SlotCount int
}

// Day is the expanded slot grid for one doctor on one calendar date.
// LeaveBlocked indices stay in Slots so downstream index arithmetic is
// stable; they are simply never bookable.
type Day struct {
	Date         time.Time
	SlotMinutes  int
	Slots        []Slot
	Sessions     []SessionSpan
	LeaveBlocked map[int]bool
}

// Empty reports whether the doctor has no availability on this date.
func (d Day) Empty() bool { return len(d.Slots) == 0 }

// SlotTime returns the wall-clock time for idx, extrapolating past the end
// of the nominal grid for overflow slots.
func (d Day) SlotTime(idx int) time.Time {
	if idx >= 0 && idx < len(d.Slots) {
		return d.Slots[idx].Time
	}
	if len(d.Slots) == 0 {
		return d.Date
	}
	last := d.Slots[len(d.Slots)-1]
	return last.Time.Add(time.Duration(idx-last.Index) * time.Duration(d.SlotMinutes) * time.Minute)
}

// SessionOf returns the session index owning idx; overflow indices belong to
// the last session.
func (d Day) SessionOf(idx int) int {
	if len(d.Slots) == 0 {
		return 0
	}
	if idx >= len(d.Slots) {
		return d.Slots[len(d.Slots)-1].SessionIndex
	}
	if idx < 0 {
		return d.Slots[0].SessionIndex
	}
	return d.Slots[idx].SessionIndex
}

// Occupant is the engine's view of one persisted appointment. The planners
// only ever read occupants; every change they want comes back as an explicit
// update for the caller's transaction to apply.
type Occupant struct {
	ID               uuid.UUID
	SlotIndex        int
	SessionIndex     int
	NumericToken     int
	Kind             Kind
	Status           Status
	Time             time.Time
	CancelledByBreak bool
}

// Occupies reports whether this record blocks its slot index.
func (o Occupant) Occupies() bool { return o.Status.Active() }

// Placeholder reports whether this is an inert break-block marker rather
// than a live booking.
func (o Occupant) Placeholder() bool {
	return o.Kind == KindBreakBlock || o.CancelledByBreak
}

// Wasted reports whether this record freed a slot that had been claimed:
// a cancelled or no-show booking whose index can be reused.
func (o Occupant) Wasted() bool {
	return o.Status == StatusCancelled || o.Status == StatusNoShow
}

// occupancy is a per-index digest of a day's occupants.
type occupancy struct {
	active map[int]Occupant // index -> the active occupant, if any
	wasted map[int]Occupant // index -> a cancelled/no-show occupant, only where no active one exists
	maxIdx int              // highest index holding an active occupant, -1 if none
}

func indexOccupants(occ []Occupant) occupancy {
	ix := occupancy{
		active: make(map[int]Occupant),
		wasted: make(map[int]Occupant),
		maxIdx: -1,
	}
	for _, o := range occ {
		if o.Occupies() {
			ix.active[o.SlotIndex] = o
			if o.SlotIndex > ix.maxIdx {
				ix.maxIdx = o.SlotIndex
			}
		}
	}
	for _, o := range occ {
		if o.Wasted() {
			if _, taken := ix.active[o.SlotIndex]; !taken {
				ix.wasted[o.SlotIndex] = o
			}
		}
	}
	return ix
}

// immovableAt reports whether idx can never take a live booking: the index
// is leave-blocked, or an active break-block placeholder sits on it.
func (ix occupancy) immovableAt(d Day, idx int) bool {
	if d.LeaveBlocked[idx] {
		return true
	}
	o, taken := ix.active[idx]
	return taken && o.Placeholder()
}

func (ix occupancy) freeAt(d Day, idx int) bool {
	if d.LeaveBlocked[idx] {
		return false
	}
	_, taken := ix.active[idx]
	return !taken
}

// sameDay reports whether a and b fall on the same calendar date in a's
// location.
func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// floorMinute drops seconds so a walk-in arriving mid-minute still matches
// the slot starting at that minute.
func floorMinute(t time.Time) time.Time { return t.Truncate(time.Minute) }
