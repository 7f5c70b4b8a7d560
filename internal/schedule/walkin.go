package schedule

import (
	"errors"
	"sort"
	"time"
)

// ErrNoPlacement means the day cannot take another booking of the requested
// kind: every strategy, including overflow, was exhausted.
var ErrNoPlacement = errors.New("no slot placement available")

// WalkInPlacement is the walk-in scheduler's decision. Shifts list the
// displaced bookings that must move to make room; they are pending updates
// for the committing transaction, never applied here. An Overflow placement
// targets an index past the nominal grid and must be re-validated against
// concurrent reservations before finalizing, since two transactions can race
// for the same overflow index.
type WalkInPlacement struct {
	SlotIndex    int
	SessionIndex int
	Time         time.Time
	Overflow     bool
	Reused       bool
	Shifts       []ShiftUpdate
}

// ComputeWalkInSchedule decides where a new walk-in token lands. Strategies
// in order: reuse a cancelled/no-show slot outright, take the earliest
// eligible candidate, insert at the spacing interval position (shifting
// later bookings), and finally synthesize an overflow slot past the end of
// the day ("bucket compensation").
func ComputeWalkInSchedule(day Day, occ []Occupant, now time.Time, spacing int, candidates []int) (WalkInPlacement, error) {
	if day.Empty() {
		return WalkInPlacement{}, ErrNoPlacement
	}

	ix := indexOccupants(occ)
	nowFloor := floorMinute(now)

	// Direct reuse: an earlier cancellation left a hole we can fill without
	// touching anyone else, as long as no walk-in is already queued past it.
	reuse := make([]int, 0, len(ix.wasted))
	for idx := range ix.wasted {
		reuse = append(reuse, idx)
	}
	sort.Ints(reuse)
	for _, idx := range reuse {
		if day.LeaveBlocked[idx] {
			continue
		}
		t := day.SlotTime(idx)
		if t.Before(nowFloor) {
			continue
		}
		if walkInScheduledAfter(occ, t) {
			continue
		}
		return WalkInPlacement{
			SlotIndex:    idx,
			SessionIndex: day.SessionOf(idx),
			Time:         t,
			Reused:       true,
		}, nil
	}

	// Earliest free candidate from the selector.
	for _, c := range candidates {
		if ix.freeAt(day, c) {
			return WalkInPlacement{
				SlotIndex:    c,
				SessionIndex: day.SessionOf(c),
				Time:         day.SlotTime(c),
			}, nil
		}
	}

	// Interval insertion: the day is dense, so the walk-in lands right after
	// the spacing-th advance appointment past the previous walk-in, pushing
	// everything from there up by one slot.
	if p, ok := intervalPosition(occ, spacing); ok {
		// The interval position itself may be leave-blocked or held by a
		// break placeholder; neither can host the walk-in, so slide past.
		for ix.immovableAt(day, p) {
			p++
		}
		t := day.SlotTime(p)
		if !t.Before(nowFloor) {
			if p < len(day.Slots) && ix.freeAt(day, p) {
				return WalkInPlacement{
					SlotIndex:    p,
					SessionIndex: day.SessionOf(p),
					Time:         t,
				}, nil
			}
			return WalkInPlacement{
				SlotIndex:    p,
				SessionIndex: day.SessionOf(p),
				Time:         t,
				Overflow:     p >= len(day.Slots),
				Shifts:       PlanShifts(day, occ, p, 1),
			}, nil
		}
	}

	// Bucket compensation. Only valid when the whole remaining grid is
	// occupied; a free future slot means the candidate filters ruled it out
	// and appending past the day would jump the queue.
	for _, s := range day.Slots {
		if !s.Time.Before(nowFloor) && ix.freeAt(day, s.Index) {
			return WalkInPlacement{}, ErrNoPlacement
		}
	}

	overflowCount := 0
	for idx, o := range ix.active {
		if idx >= len(day.Slots) && !o.Placeholder() {
			overflowCount++
		}
	}
	// Each cancelled/no-show slot is wasted capacity the overflow bucket may
	// recover, on top of a single baseline overflow slot.
	if overflowCount > len(ix.wasted) {
		return WalkInPlacement{}, ErrNoPlacement
	}

	idx := ix.maxIdx + 1
	if idx < len(day.Slots) {
		idx = len(day.Slots)
	}
	t := overflowTime(day, ix, idx)
	return WalkInPlacement{
		SlotIndex:    idx,
		SessionIndex: day.SessionOf(idx),
		Time:         t,
		Overflow:     true,
	}, nil
}

// overflowTime derives an overflow slot's wall-clock time from the
// preceding appointment, not the theoretical grid: once the day has
// overflowed, the grid no longer reflects reality.
func overflowTime(day Day, ix occupancy, idx int) time.Time {
	var prev *Occupant
	for i, o := range ix.active {
		if i < idx {
			o := o
			if prev == nil || o.Time.After(prev.Time) {
				prev = &o
			}
		}
	}
	if prev != nil && !prev.Time.IsZero() {
		return prev.Time.Add(time.Duration(day.SlotMinutes) * time.Minute)
	}
	return day.SlotTime(idx)
}

// intervalPosition finds the insertion index right after the spacing-th
// active advance appointment past the last walk-in. It only constrains when
// spacing is set, a walk-in exists, and enough advance bookings follow it.
func intervalPosition(occ []Occupant, spacing int) (int, bool) {
	if spacing <= 0 {
		return 0, false
	}

	lastWalkIn := -1
	for _, o := range occ {
		if o.Kind == KindWalkIn && o.Occupies() && o.SlotIndex > lastWalkIn {
			lastWalkIn = o.SlotIndex
		}
	}
	if lastWalkIn < 0 {
		return 0, false
	}

	var advances []int
	for _, o := range occ {
		if o.Kind == KindAdvance && o.Occupies() && !o.Placeholder() && o.SlotIndex > lastWalkIn {
			advances = append(advances, o.SlotIndex)
		}
	}
	if len(advances) < spacing {
		return 0, false
	}
	sort.Ints(advances)
	return advances[spacing-1] + 1, true
}

func walkInScheduledAfter(occ []Occupant, t time.Time) bool {
	for _, o := range occ {
		if o.Kind == KindWalkIn && o.Occupies() && o.Time.After(t) {
			return true
		}
	}
	return false
}

// SpacingSatisfied checks the interleaving invariant: between any two
// walk-in tokens there may be at most `spacing` consecutive advance
// appointments, in queue order.
func SpacingSatisfied(occ []Occupant, spacing int) bool {
	if spacing <= 0 {
		return true
	}

	var live []Occupant
	for _, o := range occ {
		if o.Occupies() && !o.Placeholder() {
			live = append(live, o)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].SlotIndex < live[j].SlotIndex })

	run := 0
	seenWalkIn := false
	for _, o := range live {
		switch o.Kind {
		case KindWalkIn:
			if seenWalkIn && run > spacing {
				return false
			}
			seenWalkIn = true
			run = 0
		case KindAdvance:
			run++
		}
	}
	return true
}

// PlanWalkInRebalance re-runs the walk-in placement rules against current
// occupancy and returns the moves that pull walk-ins into gaps opened by
// cancellations. It is idempotent: once every reusable gap ahead of a
// walk-in is filled, a second run returns nothing.
func PlanWalkInRebalance(day Day, occ []Occupant, now time.Time, spacing int) []ShiftUpdate {
	work := make([]Occupant, len(occ))
	copy(work, occ)

	var walkIns []int
	for i, o := range work {
		if o.Kind == KindWalkIn && o.Occupies() {
			walkIns = append(walkIns, i)
		}
	}
	sort.Slice(walkIns, func(a, b int) bool {
		return work[walkIns[a]].SlotIndex < work[walkIns[b]].SlotIndex
	})

	nowFloor := floorMinute(now)
	var updates []ShiftUpdate

	for _, wi := range walkIns {
		ix := indexOccupants(work)

		gaps := make([]int, 0, len(ix.wasted))
		for idx := range ix.wasted {
			gaps = append(gaps, idx)
		}
		sort.Ints(gaps)

		for _, g := range gaps {
			cur := work[wi].SlotIndex
			if g >= cur || day.LeaveBlocked[g] {
				continue
			}
			if day.SlotTime(g).Before(nowFloor) {
				continue
			}
			if walkInBetween(work, g, cur) {
				continue
			}

			moved := work[wi]
			moved.SlotIndex = g
			moved.Time = day.SlotTime(g)

			trial := make([]Occupant, len(work))
			copy(trial, work)
			trial[wi] = moved
			if !SpacingSatisfied(trial, spacing) {
				continue
			}

			work[wi] = moved
			updates = append(updates, ShiftUpdate{
				AppointmentID: moved.ID,
				NewSlotIndex:  g,
				NewTime:       moved.Time,
			})
			break
		}
	}

	return updates
}

func walkInBetween(occ []Occupant, lo, hi int) bool {
	for _, o := range occ {
		if o.Kind == KindWalkIn && o.Occupies() && o.SlotIndex > lo && o.SlotIndex < hi {
			return true
		}
	}
	return false
}
