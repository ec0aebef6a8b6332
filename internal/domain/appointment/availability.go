package appointment

import "github.com/samber/lo"

// SlotAvailability is the remaining capacity of one time slot on a date.
type SlotAvailability struct {
	TimeSlot  string `json:"timeSlot"`
	Remaining int    `json:"remaining"`
	Booked    int    `json:"booked"`
}

// DayAvailability is the availability of every calendar slot of a date, in
// calendar order.
type DayAvailability struct {
	Date     string             `json:"date"`
	Capacity int                `json:"capacity"`
	Slots    []SlotAvailability `json:"slots"`
}

// Remaining returns the remaining capacity of timeSlot.
func (d DayAvailability) Remaining(timeSlot string) int {
	for _, s := range d.Slots {
		if s.TimeSlot == timeSlot {
			return s.Remaining
		}
	}
	return 0
}

// ByLabel returns availability keyed by slot label.
func (d DayAvailability) ByLabel() map[string]int {
	return lo.SliceToMap(d.Slots, func(s SlotAvailability) (string, int) {
		return s.TimeSlot, s.Remaining
	})
}

// Open returns the labels that still have at least one free seat.
func (d DayAvailability) Open() []string {
	return lo.FilterMap(d.Slots, func(s SlotAvailability, _ int) (string, bool) {
		return s.TimeSlot, s.Remaining > 0
	})
}

// RemainingCapacity computes capacity minus the seat-holding appointments of
// (date, timeSlot) among records, floored at zero.
func RemainingCapacity(date, timeSlot string, records []*Appointment) int {
	booked := lo.CountBy(records, func(a *Appointment) bool {
		return a.Date == date && a.TimeSlot == timeSlot && a.Status.HoldsSeat()
	})
	return lo.Max([]int{0, CapacityPerSlot - booked})
}

// ComputeDay builds the availability of every calendar slot of date from the
// given records. Records of other dates are ignored.
func ComputeDay(date string, records []*Appointment) DayAvailability {
	held := lo.CountValuesBy(
		lo.Filter(records, func(a *Appointment, _ int) bool {
			return a.Date == date && a.Status.HoldsSeat()
		}),
		func(a *Appointment) string { return a.TimeSlot },
	)
	slots := lo.Map(ListSlots(), func(label string, _ int) SlotAvailability {
		booked := held[label]
		return SlotAvailability{
			TimeSlot:  label,
			Booked:    booked,
			Remaining: lo.Max([]int{0, CapacityPerSlot - booked}),
		}
	})
	return DayAvailability{Date: date, Capacity: CapacityPerSlot, Slots: slots}
}

// FirstFreeSeat returns the smallest seat number in [1, CapacityPerSlot] not
// held by any seat-holding record. It reports false when every seat is taken.
func FirstFreeSeat(records []*Appointment) (int, bool) {
	taken := lo.SliceToMap(
		lo.Filter(records, func(a *Appointment, _ int) bool { return a.Status.HoldsSeat() }),
		func(a *Appointment) (int, struct{}) { return a.SlotNumber, struct{}{} },
	)
	return lo.Find(lo.RangeFrom(1, CapacityPerSlot), func(n int) bool {
		_, used := taken[n]
		return !used
	})
}
