package appointment

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DateLayout is the ISO calendar date format used for appointment dates.
const DateLayout = "2006-01-02"

// Clock supplies the current time for the booking lead-time rule.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// BookingRequest is the caller-supplied part of a new appointment.
type BookingRequest struct {
	Date         string `json:"date" validate:"required"`
	TimeSlot     string `json:"timeSlot" validate:"required"`
	Type         string `json:"type" validate:"required,max=100"`
	Reason       string `json:"reason" validate:"required,max=2000"`
	ContactEmail string `json:"contactEmail,omitempty" validate:"omitempty,email"`
	ContactPhone string `json:"contactPhone,omitempty" validate:"omitempty,e164"`
}

func (r *BookingRequest) normalize() {
	r.Date = strings.TrimSpace(r.Date)
	r.TimeSlot = strings.TrimSpace(r.TimeSlot)
	r.Type = strings.TrimSpace(r.Type)
	r.Reason = strings.TrimSpace(r.Reason)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)
	r.ContactPhone = strings.TrimSpace(r.ContactPhone)
}

// BookingValidator checks a booking request before any capacity is
// consulted: required fields, formats, the slot label and the lead time.
type BookingValidator struct {
	validate *validator.Validate
	clock    Clock
	loc      *time.Location
}

// NewBookingValidator creates a validator that measures lead time against
// clock in the clinic's time zone. A nil loc means UTC.
func NewBookingValidator(clock Clock, loc *time.Location) *BookingValidator {
	if clock == nil {
		clock = SystemClock
	}
	if loc == nil {
		loc = time.UTC
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &BookingValidator{validate: v, clock: clock, loc: loc}
}

// Validate normalizes req in place and returns a *ValidationError naming
// the first offending field.
func (bv *BookingValidator) Validate(req *BookingRequest) error {
	req.normalize()

	if err := bv.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return invalid(fe.Field(), tagMessage(fe))
		}
		return err
	}

	day, err := time.ParseInLocation(DateLayout, req.Date, bv.loc)
	if err != nil {
		return invalid("date", "must be a calendar date in YYYY-MM-DD format")
	}
	if !IsSlot(req.TimeSlot) {
		return invalid("timeSlot", "is not one of the clinic's time slots")
	}
	if day.Before(bv.tomorrow()) {
		return invalid("date", "appointments must be booked at least one day in advance")
	}
	return nil
}

// tomorrow is midnight of the next calendar day in the clinic time zone.
func (bv *BookingValidator) tomorrow() time.Time {
	now := bv.clock.Now().In(bv.loc)
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, bv.loc)
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email":
		return "must be a valid email address"
	case "e164":
		return "must be a phone number in E.164 format"
	default:
		return "is invalid"
	}
}

// ParseDate validates an ISO calendar date string.
func ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("date", "is required")
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", invalid("date", "must be a calendar date in YYYY-MM-DD format")
	}
	return s, nil
}
