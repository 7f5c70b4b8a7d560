package schedule

import "fmt"

// AdvanceToken derives the queue token for an advance booking from the slot
// it actually won. Advance tokens are positional, never counter-based, so
// they can be recomputed whenever the slot index changes.
func AdvanceToken(slotIndex int) (int, string) {
	n := slotIndex + 1
	return n, fmt.Sprintf("A%03d", n)
}

// WalkInToken derives the queue token for a walk-in from the per-day
// counter. Walk-in tokens are monotonic regardless of slot position.
func WalkInToken(base, counter int) (int, string) {
	n := base + counter
	return n, fmt.Sprintf("W%d", n)
}

// ResequenceAdvanceTokens re-establishes numericToken == slotIndex+1 for
// every live advance booking, returning only the tokens that changed. Break
// placeholders keep their historical token.
func ResequenceAdvanceTokens(occ []Occupant) []TokenUpdate {
	var updates []TokenUpdate
	for _, o := range occ {
		if o.Kind != KindAdvance || !o.Occupies() || o.Placeholder() {
			continue
		}
		if n, token := AdvanceToken(o.SlotIndex); n != o.NumericToken {
			updates = append(updates, TokenUpdate{
				AppointmentID: o.ID,
				NumericToken:  n,
				TokenNumber:   token,
			})
		}
	}
	return updates
}
