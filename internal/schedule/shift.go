package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ShiftUpdate is one pending slot move. Planners collect these instead of
// mutating anything; the surrounding transaction applies them at commit.
// Times are recomputed from the (extrapolated) grid; cutOffTime is fixed at
// original booking and is deliberately absent here.
type ShiftUpdate struct {
	AppointmentID uuid.UUID
	NewSlotIndex  int
	NewTime       time.Time
}

// PlanShifts moves every active, non-placeholder occupant with slot index at
// or past fromIdx up by at least delta slots. Break-block placeholders and
// leave-blocked indices never move and are never landed on: a booking whose
// target index is immovable cascades further, pushing later bookings along
// with it. Targets come back strictly increasing in original queue order.
// This is the one shift planner shared by the walk-in scheduler and the
// break reflow engine.
func PlanShifts(day Day, occ []Occupant, fromIdx, delta int) []ShiftUpdate {
	if delta <= 0 {
		return nil
	}

	held := make(map[int]bool)
	var movers []Occupant
	for _, o := range occ {
		if !o.Occupies() {
			continue
		}
		if o.Placeholder() {
			held[o.SlotIndex] = true
			continue
		}
		if o.SlotIndex >= fromIdx {
			movers = append(movers, o)
		}
	}
	sort.Slice(movers, func(i, j int) bool { return movers[i].SlotIndex < movers[j].SlotIndex })

	updates := make([]ShiftUpdate, 0, len(movers))
	next := 0
	for _, o := range movers {
		target := o.SlotIndex + delta
		if target < next {
			target = next
		}
		for held[target] || day.LeaveBlocked[target] {
			target++
		}
		updates = append(updates, ShiftUpdate{
			AppointmentID: o.ID,
			NewSlotIndex:  target,
			NewTime:       day.SlotTime(target),
		})
		next = target + 1
	}
	return updates
}
