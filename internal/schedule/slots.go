package schedule

import "time"

// SessionWindow is one contiguous block of a doctor's daily availability,
// expressed in minutes from midnight.
type SessionWindow struct {
	StartMinute int
	EndMinute   int
}

// SessionExtension lengthens one session for a single date. It only takes
// effect when the new end is later than the configured one.
type SessionExtension struct {
	SessionIndex int
	NewEndMinute int
}

// Availability is everything needed to expand one doctor's date into slots.
type Availability struct {
	Sessions    []SessionWindow
	SlotMinutes int
	Extensions  []SessionExtension
	Leave       []time.Time
}

// ExpandDay turns availability into the ordered slot grid for date. The slot
// index increments globally across sessions; leave timestamps matching a
// slot's minute mark that index as blocked without removing it, so slot
// arithmetic downstream stays stable.
func ExpandDay(date time.Time, av Availability) Day {
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())

	day := Day{
		Date:         midnight,
		SlotMinutes:  av.SlotMinutes,
		LeaveBlocked: make(map[int]bool),
	}
	if av.SlotMinutes <= 0 || len(av.Sessions) == 0 {
		return day
	}

	extended := make(map[int]int, len(av.Extensions))
	for _, ext := range av.Extensions {
		if ext.SessionIndex >= 0 && ext.SessionIndex < len(av.Sessions) &&
			ext.NewEndMinute > av.Sessions[ext.SessionIndex].EndMinute {
			extended[ext.SessionIndex] = ext.NewEndMinute
		}
	}

	idx := 0
	for si, sess := range av.Sessions {
		end := sess.EndMinute
		if newEnd, ok := extended[si]; ok {
			end = newEnd
		}

		span := SessionSpan{Index: si, FirstSlot: idx}
		for m := sess.StartMinute; m < end; m += av.SlotMinutes {
			day.Slots = append(day.Slots, Slot{
				Index:        idx,
				Time:         midnight.Add(time.Duration(m) * time.Minute),
				SessionIndex: si,
			})
			idx++
		}
		span.SlotCount = idx - span.FirstSlot
		day.Sessions = append(day.Sessions, span)
	}

	for _, lv := range av.Leave {
		at := floorMinute(lv.In(midnight.Location()))
		for _, s := range day.Slots {
			if s.Time.Equal(at) {
				day.LeaveBlocked[s.Index] = true
			}
		}
	}

	return day
}
