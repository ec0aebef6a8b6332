package appointment

import (
	"context"

	"github.com/google/uuid"
)

// Filter narrows a List call. Zero-valued fields match everything; a zero
// Limit returns every match.
type Filter struct {
	Date      string
	TimeSlot  string
	PatientID string
	Statuses  []Status
	Limit     int
	Offset    int
}

func (f Filter) matches(a *Appointment) bool {
	if f.Date != "" && a.Date != f.Date {
		return false
	}
	if f.TimeSlot != "" && a.TimeSlot != f.TimeSlot {
		return false
	}
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Patch is a partial update. Only the lifecycle fields are mutable. When
// From is set the update applies only if the stored status still equals it;
// otherwise a *TransitionError is returned.
type Patch struct {
	From         Status
	Status       Status
	CancelReason *string
}

// Repository stores appointment records.
type Repository interface {
	// List returns the matching records in creation order and the total
	// number of matches before Limit/Offset.
	List(ctx context.Context, f Filter) ([]*Appointment, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Append(ctx context.Context, a *Appointment) error
	// Update returns ErrNotFound when no record has the given id.
	Update(ctx context.Context, id uuid.UUID, p Patch) (*Appointment, error)
	// WithSlotLock runs fn while holding the exclusive lock of one
	// (date, time slot). Calls made by fn with the given ctx take part in
	// the same unit of work.
	WithSlotLock(ctx context.Context, date, timeSlot string, fn func(ctx context.Context) error) error
}

func slotKey(date, timeSlot string) string {
	return date + "|" + timeSlot
}
