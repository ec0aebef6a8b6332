package appointment

import "time"

// CapacityPerSlot is the number of concurrent bookings allowed for every
// (date, time slot) pair.
const CapacityPerSlot = 5

const slotLabelLayout = "03:04 PM"

// Daily sessions in clinic-local wall clock time. Both bounds are inclusive
// and a label is generated every slotStep.
var sessions = []struct {
	startHour, startMin int
	endHour, endMin     int
}{
	{9, 0, 12, 30}, // morning: 09:00 AM .. 12:30 PM
	{15, 0, 18, 0}, // evening: 03:00 PM .. 06:00 PM
}

const slotStep = 30 * time.Minute

var slotLabels = buildSlotLabels()

var slotIndex = func() map[string]int {
	idx := make(map[string]int, len(slotLabels))
	for i, l := range slotLabels {
		idx[l] = i
	}
	return idx
}()

func buildSlotLabels() []string {
	var labels []string
	for _, s := range sessions {
		t := time.Date(2000, 1, 1, s.startHour, s.startMin, 0, 0, time.UTC)
		end := time.Date(2000, 1, 1, s.endHour, s.endMin, 0, 0, time.UTC)
		for !t.After(end) {
			labels = append(labels, t.Format(slotLabelLayout))
			t = t.Add(slotStep)
		}
	}
	return labels
}

// ListSlots returns the fixed, ordered daily time slot labels. The returned
// slice is a fresh copy on every call.
func ListSlots() []string {
	out := make([]string, len(slotLabels))
	copy(out, slotLabels)
	return out
}

// IsSlot reports whether label is one of the calendar's time slots.
func IsSlot(label string) bool {
	_, ok := slotIndex[label]
	return ok
}
