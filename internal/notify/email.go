package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// NewSMTPSender returns a sender, or nil when no host is configured so
// the dispatcher can skip the channel entirely.
func NewSMTPSender(host, port, username, password, from string) *SMTPSender {
	if host == "" {
		return nil
	}
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password, From: from}
}

// Send delivers one message. smtp.SendMail has no context support, so it
// runs on a goroutine and the caller's deadline wins the race.
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	addr := net.JoinHostPort(s.Host, s.Port)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		s.From, strings.Join(to, ", "), subject, body)

	return s.send(ctx, addr, auth, to, []byte(msg))
}

// SendWithAttachment delivers a plain-text message with one attached
// file, built as a multipart/mixed body. Used for mailing QR badges.
func (s *SMTPSender) SendWithAttachment(ctx context.Context, to []string, subject, body, filename, contentType string, attachment []byte) error {
	addr := net.JoinHostPort(s.Host, s.Port)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	const boundary = "attendance-mail-boundary"
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.From, strings.Join(to, ", "), subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, body)

	fmt.Fprintf(&buf, "--%s\r\nContent-Type: %s\r\nContent-Transfer-Encoding: base64\r\n", boundary, contentType)
	fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", filename)
	encoded := base64.StdEncoding.EncodeToString(attachment)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76] + "\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded + "\r\n")
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return s.send(ctx, addr, auth, to, buf.Bytes())
}

// send runs smtp.SendMail on a goroutine so the caller's deadline wins.
func (s *SMTPSender) send(ctx context.Context, addr string, auth smtp.Auth, to []string, msg []byte) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, s.From, to, msg)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
