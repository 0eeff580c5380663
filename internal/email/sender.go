package email

import (
	"context"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"earshot/internal/config"
	"earshot/internal/services"
)

// Sender delivers one rendered email.
type Sender interface {
	Send(ctx context.Context, msg OutboundEmail) error
}

// SMTPSender speaks SMTP through go-mail.
type SMTPSender struct {
	cfg config.Email
}

// NewSMTPSender constructs the production sender.
func NewSMTPSender(cfg config.Email) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send implements Sender. Failures are wrapped with services markers:
// recipient rejections (550-554) and authentication rejections (535) are
// permanent; every other delivery failure, including other 5xx codes, retries.
func (s *SMTPSender) Send(ctx context.Context, msg OutboundEmail) error {
	message := mail.NewMsg()
	if err := message.From(s.cfg.From); err != nil {
		return services.Wrap(services.ErrConfiguration, "email", "send", "invalid from address", err)
	}
	if err := message.To(msg.To); err != nil {
		return services.Wrap(services.ErrPermanent, "email", "send", "invalid recipient", err)
	}
	message.Subject(msg.Subject)
	message.SetBodyString(mail.TypeTextHTML, msg.BodyHTML)

	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(s.cfg.SMTPPort),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	client, err := mail.NewClient(s.cfg.SMTPHost, opts...)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "email", "send", "build smtp client", err)
	}

	if err := client.DialAndSendWithContext(ctx, message); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

// classifySMTPError maps SMTP failures onto the retry taxonomy. Go-mail
// surfaces server codes in the error text; the 550-554 recipient rejections
// and the 535 authentication rejection are permanent, and any other failure
// is transient.
func classifySMTPError(err error) error {
	if err == nil {
		return nil
	}
	text := err.Error()
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.Contains(text, code) {
			return services.Wrap(services.ErrPermanent, "email", "send", "recipient rejected", err)
		}
	}
	if strings.Contains(text, "535") {
		return services.Wrap(services.ErrPermanent, "email", "send", "authentication rejected", err)
	}
	return services.Wrap(services.ErrTransient, "email", "send", "smtp delivery failed", err)
}
