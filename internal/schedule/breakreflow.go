package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// BreakWindow is a clinician-scheduled break inside one session.
type BreakWindow struct {
	Start        time.Time
	Duration     time.Duration
	SessionIndex int
}

// DisplacedMove re-homes one booking pushed out by a break. The original
// document is not deleted: it stays at its old index as an inert
// break-block placeholder, so cancelling the break later exposes a real,
// reusable gap instead of silently losing the slot.
type DisplacedMove struct {
	OriginalID   uuid.UUID
	NewSlotIndex int
	NewTime      time.Time
}

// TokenUpdate rewrites one appointment's token after its slot index moved.
type TokenUpdate struct {
	AppointmentID uuid.UUID
	NumericToken  int
	TokenNumber   string
}

// BreakReflowPlan is everything the commit transaction must apply for one
// inserted break.
type BreakReflowPlan struct {
	WindowIndices      []int
	ShiftAmount        int
	Moves              []DisplacedMove
	PostShifts         []ShiftUpdate
	PlaceholderIndices []int
	TokenUpdates       []TokenUpdate
}

// PlanBreakReflow computes how a break reshapes the day. The shift amount is
// dynamic: only window slots actually holding a live booking need room made
// for them, so an empty or placeholder-filled window shifts nothing.
// Displaced bookings are compacted in original order onto the first open
// indices after the window; bookings already past the window shift uniformly.
// Every active advance token is then resequenced so numericToken stays
// slotIndex+1 across the whole day.
func PlanBreakReflow(day Day, occ []Occupant, brk BreakWindow) BreakReflowPlan {
	plan := BreakReflowPlan{}
	if day.Empty() || brk.Duration <= 0 {
		return plan
	}

	end := brk.Start.Add(brk.Duration)
	for _, s := range day.Slots {
		if !s.Time.Before(brk.Start) && s.Time.Before(end) {
			plan.WindowIndices = append(plan.WindowIndices, s.Index)
		}
	}
	if len(plan.WindowIndices) == 0 {
		return plan
	}
	lastWindowIdx := plan.WindowIndices[len(plan.WindowIndices)-1]

	ix := indexOccupants(occ)

	// Dynamic shift: one unit per window slot holding a live booking.
	var displaced []Occupant
	for _, wi := range plan.WindowIndices {
		if o, ok := ix.active[wi]; ok && !o.Placeholder() {
			displaced = append(displaced, o)
		}
	}
	sort.Slice(displaced, func(i, j int) bool { return displaced[i].SlotIndex < displaced[j].SlotIndex })
	plan.ShiftAmount = len(displaced)

	// Post-break bookings move uniformly.
	plan.PostShifts = PlanShifts(day, occ, lastWindowIdx+1, plan.ShiftAmount)

	// Displaced bookings compact onto the first open indices after the
	// window. After the uniform shift, indices occupied by placeholders or
	// leave remain off limits.
	occupiedAfter := make(map[int]bool)
	for idx, o := range ix.active {
		if o.Placeholder() {
			occupiedAfter[idx] = true
		}
	}
	for _, u := range plan.PostShifts {
		occupiedAfter[u.NewSlotIndex] = true
	}

	next := lastWindowIdx + 1
	finalIdx := make(map[uuid.UUID]int)
	for _, o := range displaced {
		for occupiedAfter[next] || day.LeaveBlocked[next] {
			next++
		}
		plan.Moves = append(plan.Moves, DisplacedMove{
			OriginalID:   o.ID,
			NewSlotIndex: next,
			NewTime:      day.SlotTime(next),
		})
		finalIdx[o.ID] = next
		occupiedAfter[next] = true
		next++
	}

	// Any window slot left without an occupant reads as free to the rest of
	// the engine; give it a synthetic break-block so it stays inert.
	for _, wi := range plan.WindowIndices {
		if _, held := ix.active[wi]; !held {
			plan.PlaceholderIndices = append(plan.PlaceholderIndices, wi)
		}
	}

	// Full-day token resequencing over final positions. Moved bookings get
	// their token on insert; this covers everyone else whose index changed.
	shifted := make(map[uuid.UUID]int)
	for _, u := range plan.PostShifts {
		shifted[u.AppointmentID] = u.NewSlotIndex
	}
	displacedSet := make(map[uuid.UUID]bool, len(displaced))
	for _, o := range displaced {
		displacedSet[o.ID] = true
	}

	for _, o := range occ {
		if o.Kind != KindAdvance || !o.Occupies() || o.Placeholder() || displacedSet[o.ID] {
			continue
		}
		idx := o.SlotIndex
		if ni, ok := shifted[o.ID]; ok {
			idx = ni
		}
		if n, token := AdvanceToken(idx); n != o.NumericToken {
			plan.TokenUpdates = append(plan.TokenUpdates, TokenUpdate{
				AppointmentID: o.ID,
				NumericToken:  n,
				TokenNumber:   token,
			})
		}
	}

	return plan
}
