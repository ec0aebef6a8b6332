package appointment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Role is the caller's role as established by authentication.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Actor identifies who is calling the service.
type Actor struct {
	ID   string
	Role Role
}

// Notifier is told about committed changes. Implementations must not block
// for long and must not fail the caller; delivery is best effort.
type Notifier interface {
	AppointmentBooked(ctx context.Context, a *Appointment)
	StatusChanged(ctx context.Context, a *Appointment, from Status)
}

type nopNotifier struct{}

func (nopNotifier) AppointmentBooked(context.Context, *Appointment) {}
func (nopNotifier) StatusChanged(context.Context, *Appointment, Status) {}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the change notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service books appointments and drives their status.
type Service struct {
	repo      Repository
	validator *BookingValidator
	clock     Clock
	notifier  Notifier
	logger    zerolog.Logger
}

func NewService(repo Repository, v *BookingValidator, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		validator: v,
		clock:     v.clock,
		notifier:  nopNotifier{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book validates req and, under the (date, time slot) lock, assigns the
// lowest free seat and stores a pending appointment owned by patientID.
func (s *Service) Book(ctx context.Context, patientID string, req BookingRequest) (*Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, invalid("patientId", "is required")
	}
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}

	var booked *Appointment
	err := s.repo.WithSlotLock(ctx, req.Date, req.TimeSlot, func(ctx context.Context) error {
		held, _, err := s.repo.List(ctx, Filter{
			Date:     req.Date,
			TimeSlot: req.TimeSlot,
			Statuses: SeatStatuses(),
		})
		if err != nil {
			return err
		}
		seat, ok := FirstFreeSeat(held)
		if !ok {
			return ErrCapacityExceeded
		}

		a := &Appointment{
			ID:           uuid.New(),
			PatientID:    patientID,
			Date:         req.Date,
			TimeSlot:     req.TimeSlot,
			SlotNumber:   seat,
			Type:         req.Type,
			Reason:       req.Reason,
			Status:       StatusPending,
			ContactEmail: strPtr(req.ContactEmail),
			ContactPhone: strPtr(req.ContactPhone),
		}
		if err := s.repo.Append(ctx, a); err != nil {
			return err
		}
		booked = a
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCapacityExceeded) {
			s.logger.Error().Err(err).Str("date", req.Date).Str("time_slot", req.TimeSlot).Msg("booking failed")
		}
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", booked.ID.String()).
		Str("date", booked.Date).
		Str("time_slot", booked.TimeSlot).
		Int("slot_number", booked.SlotNumber).
		Msg("appointment booked")
	s.notifier.AppointmentBooked(ctx, booked)
	return booked, nil
}

// SetStatus moves an appointment along the state machine. The record is
// re-read under its slot lock, so of two racing transitions out of the same
// status the second fails with a *TransitionError. The cancel reason is only
// checked once the transition itself is allowed.
func (s *Service) SetStatus(ctx context.Context, actor Actor, id uuid.UUID, to Status, reason string) (*Appointment, error) {
	if !to.Valid() {
		return nil, invalid("status", "must be one of pending, approved, rejected, completed, cancelled")
	}
	reason = strings.TrimSpace(reason)

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		updated *Appointment
		from    Status
	)
	err = s.repo.WithSlotLock(ctx, current.Date, current.TimeSlot, func(ctx context.Context) error {
		fresh, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(actor, fresh, to); err != nil {
			return err
		}
		from = fresh.Status
		if !CanTransition(from, to) {
			return &TransitionError{From: from, To: to}
		}
		if to == StatusCancelled && reason == "" {
			return invalid("cancelReason", "is required when cancelling")
		}

		p := Patch{From: from, Status: to}
		if to == StatusCancelled {
			p.CancelReason = &reason
		}
		updated, err = s.repo.Update(ctx, id, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", updated.ID.String()).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Str("actor", actor.ID).
		Msg("appointment status changed")
	s.notifier.StatusChanged(ctx, updated, from)
	return updated, nil
}

// Cancel is SetStatus(cancelled) with a required reason.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	return s.SetStatus(ctx, actor, id, StatusCancelled, reason)
}

// authorize enforces ownership and role rules. Ownership is checked first;
// a role that may never perform the target transition gets ErrForbidden
// unless the record is already terminal, in which case the state machine
// answers.
func authorize(actor Actor, a *Appointment, to Status) error {
	switch actor.Role {
	case RoleAdmin:
		return nil
	case RoleDoctor:
		if to == StatusCancelled && !a.Status.Terminal() {
			return ErrForbidden
		}
		return nil
	case RolePatient:
		if a.PatientID != actor.ID {
			return ErrForbidden
		}
		if to != StatusCancelled && !a.Status.Terminal() {
			return ErrForbidden
		}
		return nil
	default:
		return ErrForbidden
	}
}

// Get returns one appointment. Patients can only read their own.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && a.PatientID != actor.ID {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns appointments matching f. Patients are always restricted to
// their own records.
func (s *Service) List(ctx context.Context, actor Actor, f Filter) ([]*Appointment, int, error) {
	if f.Date != "" {
		d, err := ParseDate(f.Date)
		if err != nil {
			return nil, 0, err
		}
		f.Date = d
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, invalid("status", "unknown status "+string(st))
		}
	}
	if actor.Role == RolePatient {
		f.PatientID = actor.ID
	}
	return s.repo.List(ctx, f)
}

// Availability reports the remaining seats of every calendar slot on date.
// It never mutates state.
func (s *Service) Availability(ctx context.Context, date string) (DayAvailability, error) {
	date, err := ParseDate(date)
	if err != nil {
		return DayAvailability{}, err
	}
	held, _, err := s.repo.List(ctx, Filter{Date: date, Statuses: SeatStatuses()})
	if err != nil {
		return DayAvailability{}, err
	}
	return ComputeDay(date, held), nil
}

// Remaining reports the remaining seats of one (date, time slot).
func (s *Service) Remaining(ctx context.Context, date, timeSlot string) (int, error) {
	if !IsSlot(timeSlot) {
		return 0, invalid("timeSlot", "is not one of the clinic's time slots")
	}
	date, err := ParseDate(date)
	if err != nil {
		return 0, err
	}
	held, _, err := s.repo.List(ctx, Filter{Date: date, TimeSlot: timeSlot, Statuses: SeatStatuses()})
	if err != nil {
		return 0, err
	}
	return RemainingCapacity(date, timeSlot, held), nil
}

// SlotSheet is one time slot of a doctor's day sheet.
type SlotSheet struct {
	TimeSlot     string         `json:"timeSlot"`
	Remaining    int            `json:"remaining"`
	Appointments []*Appointment `json:"appointments"`
}

// DaySheet is every appointment of a date grouped by time slot in
// calendar order.
type DaySheet struct {
	Date        string      `json:"date"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Slots       []SlotSheet `json:"slots"`
}

// DaySheet groups the appointments of date by slot, ordered by seat.
func (s *Service) DaySheet(ctx context.Context, date string) (*DaySheet, error) {
	date, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	all, _, err := s.repo.List(ctx, Filter{Date: date})
	if err != nil {
		return nil, err
	}

	bySlot := lo.GroupBy(all, func(a *Appointment) string { return a.TimeSlot })
	day := ComputeDay(date, all)
	sheet := &DaySheet{Date: date, GeneratedAt: s.clock.Now().UTC()}
	for _, slot := range day.Slots {
		appts := bySlot[slot.TimeSlot]
		sortBySeat(appts)
		if appts == nil {
			appts = []*Appointment{}
		}
		sheet.Slots = append(sheet.Slots, SlotSheet{
			TimeSlot:     slot.TimeSlot,
			Remaining:    slot.Remaining,
			Appointments: appts,
		})
	}
	return sheet, nil
}

// sortBySeat orders seat holders by seat number, then released records by
// creation time.
func sortBySeat(appts []*Appointment) {
	rank := func(a *Appointment) int {
		if a.Status.HoldsSeat() {
			return a.SlotNumber
		}
		return CapacityPerSlot + 1
	}
	sort.SliceStable(appts, func(i, j int) bool {
		ri, rj := rank(appts[i]), rank(appts[j])
		if ri != rj {
			return ri < rj
		}
		return appts[i].CreatedAt.Before(appts[j].CreatedAt)
	})
}
