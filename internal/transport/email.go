package transport

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Email relays rendered messages through an SMTP submission endpoint.
type Email struct {
	addr     string
	from     string
	username string
	password string
	timeout  time.Duration
}

func NewEmail(addr, from, username, password string, timeout time.Duration) *Email {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Email{
		addr:     addr,
		from:     from,
		username: username,
		password: password,
		timeout:  timeout,
	}
}

// Send builds an RFC 5322 message from the rendered payload and submits it.
// 4xx SMTP replies are temporary, 5xx permanent.
func (e *Email) Send(ctx context.Context, msg *Message) error {
	subject := msg.Subject
	if subject == "" {
		subject = "Update"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Payload.Text)
	b.WriteString("\r\n")

	done := make(chan error, 1)
	go func() {
		var auth sasl.Client
		if e.username != "" {
			auth = sasl.NewPlainClient("", e.username, e.password)
		}
		done <- smtp.SendMail(e.addr, auth, e.from, []string{msg.To}, strings.NewReader(b.String()))
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return &DeliveryError{Temporary: true, Message: "send cancelled: " + ctx.Err().Error()}
	case <-time.After(e.timeout):
		return &DeliveryError{Temporary: true, Message: "SMTP submission timed out"}
	}
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Message:   fmt.Sprintf("SMTP %d: %s", smtpErr.Code, smtpErr.Message),
		}
	}
	return &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf("SMTP submission failed: %v", err),
	}
}
