// Package notification renders appointment notices from templates and hands
// them to email and SMS senders. Delivery is best effort; every attempt is
// kept in a bounded in-memory log for inspection and manual retry.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Delivery states.
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusRetrying = "retrying"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("only failed notifications can be retried")
)

// Notification is one outbound message.
type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender sends email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender sends text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template IDs.
const (
	TplBookedEmail      = "appointment-booked-email"
	TplBookedSMS        = "appointment-booked-sms"
	TplStatusEmail      = "appointment-status-email"
	TplStatusSMS        = "appointment-status-sms"
	TplDoctorNewBooking = "doctor-new-booking-email"
)

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine holds templates and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine preloaded with the appointment
// templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtInTemplates {
		e.templates[t.ID] = t
	}
	return e
}

var builtInTemplates = []Template{
	{
		ID:      TplBookedEmail,
		Channel: ChannelEmail,
		Subject: "Appointment request received for {{date}} at {{time_slot}}",
		Body: "Your {{type}} appointment request for {{date}} at {{time_slot}} has been received " +
			"(seat {{slot_number}}). It is pending confirmation by the doctor. Reference: {{appointment_id}}.",
	},
	{
		ID:      TplBookedSMS,
		Channel: ChannelSMS,
		Body:    "HealConnect: appointment requested for {{date}} {{time_slot}}, seat {{slot_number}}. Awaiting confirmation.",
	},
	{
		ID:      TplStatusEmail,
		Channel: ChannelEmail,
		Subject: "Your appointment on {{date}} is {{status}}",
		Body:    "Your appointment on {{date}} at {{time_slot}} is now {{status}}.{{reason_line}} Reference: {{appointment_id}}.",
	},
	{
		ID:      TplStatusSMS,
		Channel: ChannelSMS,
		Body:    "HealConnect: your appointment on {{date}} {{time_slot}} is now {{status}}.",
	},
	{
		ID:      TplDoctorNewBooking,
		Channel: ChannelEmail,
		Subject: "New appointment request: {{date}} {{time_slot}}",
		Body: "A {{type}} appointment was requested for {{date}} at {{time_slot}} (seat {{slot_number}}). " +
			"Reason: {{reason}}. Reference: {{appointment_id}}.",
	},
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render fills the placeholders of a template. Placeholders without data
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", templateID)
	}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		t.Subject = strings.ReplaceAll(t.Subject, placeholder, v)
		t.Body = strings.ReplaceAll(t.Body, placeholder, v)
	}
	return t, nil
}

// Manager sends notifications and remembers recent attempts.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine

	mu  sync.Mutex
	log *lru.Cache[string, *Notification]
}

// NewManager creates a Manager keeping the last historySize notifications.
// A nil sender disables its channel.
func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine, historySize int) *Manager {
	if historySize <= 0 {
		historySize = 1000
	}
	log, _ := lru.New[string, *Notification](historySize)
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{email: email, sms: sms, templates: tpl, log: log}
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelEmail:
		if m.email == nil {
			return errors.New("no email sender configured")
		}
		return m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		if m.sms == nil {
			return errors.New("no sms sender configured")
		}
		return m.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		return fmt.Errorf("unsupported channel: %s", n.Channel)
	}
}

// record applies the outcome of one attempt to n under the manager lock.
func (m *Manager) record(n *Notification, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
	} else {
		n.Status = StatusSent
		n.Error = ""
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}
	m.log.Add(n.ID, n)
}

// Send delivers n and records the outcome. The returned error is the
// delivery error, if any; n is recorded either way.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()
	err := m.deliver(ctx, n)
	m.record(n, err)
	return err
}

// SendTemplate renders templateID with data and sends it to recipient.
func (m *Manager) SendTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	t, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		Channel:      t.Channel,
		Recipient:    recipient,
		Subject:      t.Subject,
		Body:         t.Body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	return n, m.Send(ctx, n)
}

// snapshot copies n under the lock so callers never race with record.
func (m *Manager) snapshot(n *Notification) *Notification {
	c := *n
	return &c
}

// Get returns a recorded notification.
func (m *Manager) Get(id string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.log.Peek(id)
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshot(n), nil
}

// ListByRecipient returns up to limit notifications for recipient, newest
// first.
func (m *Manager) ListByRecipient(recipient string, limit int) []*Notification {
	m.mu.Lock()
	var out []*Notification
	for _, n := range m.log.Values() {
		if n.Recipient == recipient {
			out = append(out, m.snapshot(n))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification. The notification is claimed under
// the lock, so of two concurrent retries only one delivers.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	m.mu.Lock()
	n, ok := m.log.Peek(id)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if n.Status != StatusFailed {
		status := n.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: notification %q is %s", ErrNotRetryable, id, status)
	}
	n.Status = StatusRetrying
	m.mu.Unlock()

	err := m.deliver(ctx, n)
	m.record(n, err)
	return m.Get(id)
}

// Stats counts recorded notifications by status.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]int)
	for _, n := range m.log.Values() {
		stats[n.Status]++
	}
	return stats
}
