package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCompleted, StatusCancelled},
}

var validStatuses = map[Status]bool{
	StatusPending: true, StatusApproved: true, StatusRejected: true,
	StatusCompleted: true, StatusCancelled: true,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return s.Valid() && !ok
}

// HoldsSeat reports whether an appointment in status s occupies one of the
// seats of its (date, time slot). Completed visits keep their seat.
func (s Status) HoldsSeat() bool {
	return s == StatusPending || s == StatusApproved || s == StatusCompleted
}

// SeatStatuses returns the statuses that consume slot capacity.
func SeatStatuses() []Status {
	return []Status{StatusPending, StatusApproved, StatusCompleted}
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Appointment is a patient's reservation of one seat in a (date, time slot).
// Date, TimeSlot, SlotNumber, Type and Reason never change after creation.
type Appointment struct {
	ID           uuid.UUID `json:"id"`
	PatientID    string    `json:"patientId"`
	Date         string    `json:"date"`
	TimeSlot     string    `json:"timeSlot"`
	SlotNumber   int       `json:"slotNumber"`
	Type         string    `json:"type"`
	Reason       string    `json:"reason"`
	Status       Status    `json:"status"`
	CancelReason *string   `json:"cancelReason,omitempty"`
	ContactEmail *string   `json:"contactEmail,omitempty"`
	ContactPhone *string   `json:"contactPhone,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// clone returns a deep copy so stores never hand out shared pointers.
func (a *Appointment) clone() *Appointment {
	c := *a
	c.CancelReason = copyStr(a.CancelReason)
	c.ContactEmail = copyStr(a.ContactEmail)
	c.ContactPhone = copyStr(a.ContactPhone)
	return &c
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
