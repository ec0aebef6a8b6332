package notification

import (
	"context"
	"fmt"

	"github.com/go-gomail/gomail"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *SMTPSender) message(to, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(s.message(to, subject, body)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// messageCreator is the subset of the Twilio REST API used by TwilioSender.
type messageCreator interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioSender delivers SMS through the Twilio Messages API.
type TwilioSender struct {
	api  messageCreator
	from string
}

func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{api: client.Api, from: from}
}

func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)
	if _, err := s.api.CreateMessage(params); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	return nil
}

// LogSender writes messages to the log instead of delivering them. It is
// used when a channel has no provider configured.
type LogSender struct{ logger zerolog.Logger }

func NewLogSender(logger zerolog.Logger) *LogSender { return &LogSender{logger: logger} }

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg("notification not delivered: no email provider")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, _ string) error {
	s.logger.Info().Str("channel", "sms").Str("to", to).Msg("notification not delivered: no sms provider")
	return nil
}
