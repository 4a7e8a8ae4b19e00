package reservation

import (
	"slices"
	"strings"
)

// SortSlots orders slots earliest time first, breaking ties by slot ID.
// The input is not modified.
func SortSlots(in []Slot) []Slot {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b Slot) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := strings.Compare(normalizeClock(a.Time), normalizeClock(b.Time)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// normalizeClock pads "9:05" to "09:05" so lexical order matches clock order.
func normalizeClock(t string) string {
	t = strings.TrimSpace(t)
	if i := strings.IndexByte(t, ':'); i == 1 {
		return "0" + t
	}
	return t
}
