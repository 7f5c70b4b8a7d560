package schedule

import (
	"sort"
	"time"
)

// AdvanceCandidates returns the eligible slot indices for an advance
// booking, in preference order. With a preferred slot that passes every
// check it is the sole candidate; when the preferred slot itself is
// unavailable the search stays inside that slot's session, never crossing
// into another one. Same-day requests drop everything inside the cutoff
// window.
func AdvanceCandidates(day Day, occ []Occupant, caps []SessionCapacity, now time.Time, cutoff time.Duration, preferred *int) []int {
	ix := indexOccupants(occ)

	eligible := func(i int) bool {
		if !ix.freeAt(day, i) {
			return false
		}
		if InWalkInReserve(caps, i) {
			return false
		}
		return bookableAt(day, i, now, cutoff)
	}

	if preferred != nil && *preferred >= 0 && *preferred < len(day.Slots) {
		p := *preferred
		if eligible(p) {
			return []int{p}
		}
		session := day.SessionOf(p)
		var out []int
		for _, s := range day.Slots {
			if s.SessionIndex == session && s.Index != p && eligible(s.Index) {
				out = append(out, s.Index)
			}
		}
		return out
	}

	var out []int
	for _, s := range day.Slots {
		if eligible(s.Index) {
			out = append(out, s.Index)
		}
	}
	return out
}

// WalkInCandidates returns eligible slot indices for a walk-in, in
// preference order. The immediacy window comes first: any free slot whose
// time falls inside [now, now+horizon] can take the patient right away.
// Beyond the horizon the spacing rule applies, so a new walk-in never jumps
// ahead of the advance patients it is supposed to queue behind.
func WalkInCandidates(day Day, occ []Occupant, now time.Time, horizon time.Duration, spacing int) []int {
	ix := indexOccupants(occ)
	nowFloor := floorMinute(now)

	var immediate, deferred []int
	for _, s := range day.Slots {
		if !ix.freeAt(day, s.Index) {
			continue
		}
		if s.Time.Before(nowFloor) {
			continue
		}
		if !s.Time.After(now.Add(horizon)) {
			immediate = append(immediate, s.Index)
		} else {
			deferred = append(deferred, s.Index)
		}
	}

	if min, constrained := spacingFloor(occ, spacing); constrained {
		filtered := deferred[:0]
		for _, i := range deferred {
			if i > min {
				filtered = append(filtered, i)
			}
		}
		deferred = filtered
	}

	return append(immediate, deferred...)
}

// spacingFloor computes the lowest slot index a deferred walk-in may take:
// the index of the spacing-th active advance appointment past the last
// walk-in already on the books. No prior walk-ins, spacing of zero, or too
// few advance bookings left all mean no constraint.
func spacingFloor(occ []Occupant, spacing int) (int, bool) {
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
	return advances[spacing-1], true
}

// bookableAt applies the same-day cutoff: today's bookings discard any slot
// closer than cutoff to now. Other dates are unconstrained here.
func bookableAt(day Day, idx int, now time.Time, cutoff time.Duration) bool {
	if !sameDay(day.Date, now) {
		return true
	}
	return !day.SlotTime(idx).Before(now.Add(cutoff))
}
