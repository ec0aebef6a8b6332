package main

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healconnect/healconnect/internal/domain/appointment"
	"github.com/healconnect/healconnect/internal/platform/events"
	"github.com/healconnect/healconnect/internal/platform/notification"
)

// Hub topics.
const (
	topicAppointments  = "appointments"
	topicPatientPrefix = "appointments/patient/"
)

func patientTopic(patientID string) string { return topicPatientPrefix + patientID }

// appointmentNotifier turns committed appointment changes into events and
// patient/doctor notifications off the request path. It implements
// appointment.Notifier.
type appointmentNotifier struct {
	publisher     *events.Publisher
	notifications *notification.Manager
	doctorEmail   string
	logger        zerolog.Logger
	now           func() time.Time

	queue     chan events.Event
	drained   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const eventQueueSize = 256

func newAppointmentNotifier(publisher *events.Publisher, notifications *notification.Manager, doctorEmail string, logger zerolog.Logger) *appointmentNotifier {
	n := &appointmentNotifier{
		publisher:     publisher,
		notifications: notifications,
		doctorEmail:   doctorEmail,
		logger:        logger,
		now:           time.Now,
		queue:         make(chan events.Event, eventQueueSize),
		drained:       make(chan struct{}),
	}
	go n.run()
	return n
}

type statusChangedData struct {
	*appointment.Appointment
	PreviousStatus appointment.Status `json:"previousStatus"`
}

func (n *appointmentNotifier) AppointmentBooked(ctx context.Context, a *appointment.Appointment) {
	n.publish(ctx, events.TypeAppointmentBooked, a, a)

	data := templateData(a)
	n.send(ctx, a, notification.TplBookedEmail, notification.TplBookedSMS, data)
	if n.doctorEmail != "" {
		n.deliver(ctx, a, notification.TplDoctorNewBooking, data, n.doctorEmail)
	}
}

func (n *appointmentNotifier) StatusChanged(ctx context.Context, a *appointment.Appointment, from appointment.Status) {
	n.publish(ctx, events.TypeAppointmentStatusChanged, a, statusChangedData{Appointment: a, PreviousStatus: from})

	data := templateData(a)
	data["reason_line"] = ""
	if a.CancelReason != nil {
		data["reason_line"] = " Reason: " + *a.CancelReason + "."
	}
	n.send(ctx, a, notification.TplStatusEmail, notification.TplStatusSMS, data)
}

func (n *appointmentNotifier) publish(ctx context.Context, typ string, a *appointment.Appointment, payload interface{}) {
	if n.publisher == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("encode event")
		return
	}
	e := events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        a.ID.String(),
		Topics:     []string{topicAppointments, patientTopic(a.PatientID)},
		OccurredAt: n.now(),
		Data:       body,
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn().Str("event_id", e.ID).Msg("event queue full, publishing inline")
		_ = n.publisher.Publish(ctx, e)
	}
}

// run publishes queued events one at a time so per-appointment order is kept.
func (n *appointmentNotifier) run() {
	defer close(n.drained)
	for e := range n.queue {
		// sink failures are logged by the publisher
		_ = n.publisher.Publish(context.Background(), e)
	}
}

// send notifies the patient on every contact channel they gave.
func (n *appointmentNotifier) send(ctx context.Context, a *appointment.Appointment, emailTpl, smsTpl string, data map[string]string) {
	if a.ContactEmail != nil {
		n.deliver(ctx, a, emailTpl, data, *a.ContactEmail)
	}
	if a.ContactPhone != nil {
		n.deliver(ctx, a, smsTpl, data, *a.ContactPhone)
	}
}

// deliver sends in the background so slow providers never hold up the
// request. Failures stay in the notification log for retry.
func (n *appointmentNotifier) deliver(ctx context.Context, a *appointment.Appointment, tpl string, data map[string]string, to string) {
	if n.notifications == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := n.notifications.SendTemplate(sendCtx, tpl, data, to); err != nil {
			n.logger.Warn().Err(err).
				Str("appointment_id", a.ID.String()).
				Str("template", tpl).
				Msg("notification delivery failed")
		}
	}()
}

// Wait stops the event queue and blocks until queued events are published
// and background deliveries finish. No change may be reported after Wait.
func (n *appointmentNotifier) Wait() {
	n.closeOnce.Do(func() { close(n.queue) })
	<-n.drained
	n.wg.Wait()
}

func templateData(a *appointment.Appointment) map[string]string {
	return map[string]string{
		"appointment_id": a.ID.String(),
		"date":           a.Date,
		"time_slot":      a.TimeSlot,
		"slot_number":    strconv.Itoa(a.SlotNumber),
		"type":           a.Type,
		"reason":         a.Reason,
		"status":         string(a.Status),
	}
}
