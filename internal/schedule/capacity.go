package schedule

import (
	"math"
	"time"
)

// SessionCapacity is the walk-in/advance split for one session, computed
// over the slots that are still in the future. It must be recomputed on
// every allocation call: the future pool shrinks as the day goes on, and the
// reserve is a trailing window of what remains, not a fixed share of the
// whole session.
type SessionCapacity struct {
	SessionIndex    int
	FutureSlots     int
	WalkInReserve   int
	AdvanceCapacity int
	ReservedIndices map[int]bool
}

// PartitionCapacity splits each session's remaining slots between advance
// booking and walk-in intake. The walk-in reserve takes the latest
// ceil(F*reservePct) of the F future slots; leave-blocked indices and
// break-block placeholders never count toward F.
func PartitionCapacity(day Day, occ []Occupant, now time.Time, reservePct float64) []SessionCapacity {
	breakBlocked := make(map[int]bool)
	for _, o := range occ {
		if o.Occupies() && o.Placeholder() {
			breakBlocked[o.SlotIndex] = true
		}
	}

	caps := make([]SessionCapacity, 0, len(day.Sessions))
	for _, span := range day.Sessions {
		sc := SessionCapacity{
			SessionIndex:    span.Index,
			ReservedIndices: make(map[int]bool),
		}

		var future []int
		for i := span.FirstSlot; i < span.FirstSlot+span.SlotCount; i++ {
			if day.LeaveBlocked[i] || breakBlocked[i] {
				continue
			}
			if day.Slots[i].Time.Before(now) {
				continue
			}
			future = append(future, i)
		}

		sc.FutureSlots = len(future)
		sc.WalkInReserve = int(math.Ceil(float64(sc.FutureSlots) * reservePct))
		sc.AdvanceCapacity = sc.FutureSlots - sc.WalkInReserve
		for _, i := range future[sc.AdvanceCapacity:] {
			sc.ReservedIndices[i] = true
		}

		caps = append(caps, sc)
	}
	return caps
}

// DayAdvanceCapacity sums the advance quota across all sessions.
func DayAdvanceCapacity(caps []SessionCapacity) int {
	total := 0
	for _, sc := range caps {
		total += sc.AdvanceCapacity
	}
	return total
}

// ActiveAdvanceCount counts live advance bookings, excluding break
// placeholders.
func ActiveAdvanceCount(occ []Occupant) int {
	n := 0
	for _, o := range occ {
		if o.Kind == KindAdvance && o.Occupies() && !o.Placeholder() {
			n++
		}
	}
	return n
}

// InWalkInReserve reports whether idx sits in any session's walk-in band.
func InWalkInReserve(caps []SessionCapacity, idx int) bool {
	for _, sc := range caps {
		if sc.ReservedIndices[idx] {
			return true
		}
	}
	return false
}
