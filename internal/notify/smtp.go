package notify

import (
	"context"
	"errors"
	"io"

	"gopkg.in/gomail.v2"

	"github.com/noah-isme/toko-billing/internal/resilience"
)

// SMTPSender delivers messages through an SMTP relay.
type SMTPSender struct {
	Dialer  *gomail.Dialer
	From    string
	Breaker *resilience.Breaker
}

// NewSMTPSender dials host:port with the given credentials. STARTTLS is used
// when the server offers it.
func NewSMTPSender(host string, port int, user, pass, from string) *SMTPSender {
	if from == "" {
		from = user
	}
	return &SMTPSender{
		Dialer:  gomail.NewDialer(host, port, user, pass),
		From:    from,
		Breaker: resilience.New(resilience.Settings{Target: "smtp", Window: 10, MinRequests: 3}),
	}
}

// Send implements EmailSender. gomail has no context support so ctx is only
// checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s == nil || s.Dialer == nil {
		return errors.New("smtp sender not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	for _, a := range msg.Attachments {
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Attach(a.Name, settings...)
	}
	return s.Breaker.Guard(ctx, func(context.Context) error {
		return s.Dialer.DialAndSend(m)
	}, nil)
}
