package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"mailcadence/models"
)

// SendResult is the transport acknowledgment for one dispatched email
type SendResult struct {
	MessageID string
	Accepted  []string
	Rejected  []string
}

// Mailer dispatches one email through a sender account
type Mailer interface {
	Send(ctx context.Context, sender *models.Sender, to, subject, body string) (*SendResult, error)
}

// SendError wraps a transport failure with its retry classification
type SendError struct {
	Permanent bool
	Err       error
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// IsPermanentSendError reports whether err should never be retried
// (rejected recipient, authentication refused)
func IsPermanentSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// SMTPMailer sends through each sender's own SMTP account, retrying
// transient failures with exponential backoff inside a bounded window.
type SMTPMailer struct {
	Timeout    time.Duration
	MaxElapsed time.Duration
}

func NewSMTPMailer(timeout time.Duration) *SMTPMailer {
	return &SMTPMailer{
		Timeout:    timeout,
		MaxElapsed: 2 * timeout,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, sender *models.Sender, to, subject, body string) (*SendResult, error) {
	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return nil, &SendError{Permanent: true, Err: fmt.Errorf("failed to decrypt SMTP password: %w", err)}
	}

	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	d.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if enc := strings.ToUpper(sender.Encryption); enc == "SSL" || enc == "TLS" {
		d.SSL = true
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), mailDomain(sender.FromEmail))

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", sender.FromName, sender.FromEmail))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", messageID)
	msg.SetBody("text/html", body)

	operation := func() error {
		err := m.dialAndSend(ctx, d, msg)
		if err == nil {
			return nil
		}
		classified := classifySendError(err)
		if IsPermanentSendError(classified) {
			return backoff.Permanent(classified)
		}
		return classified
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = m.MaxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if IsPermanentSendError(err) {
			return &SendResult{MessageID: messageID, Rejected: []string{to}}, err
		}
		return nil, classifySendError(err)
	}

	return &SendResult{MessageID: messageID, Accepted: []string{to}}, nil
}

// dialAndSend bounds the blocking gomail call with the configured timeout
func (m *SMTPMailer) dialAndSend(ctx context.Context, d *gomail.Dialer, msg *gomail.Message) error {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("smtp send timed out: %w", ctx.Err())
	}
}

// classifySendError splits transport failures into permanent rejections
// (5xx SMTP responses) and transient ones (network errors, 4xx, timeouts)
func classifySendError(err error) error {
	var se *SendError
	if errors.As(err, &se) {
		return err
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &SendError{Permanent: tpErr.Code >= 500, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &SendError{Permanent: false, Err: err}
	}
	return &SendError{Permanent: false, Err: err}
}

func mailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
