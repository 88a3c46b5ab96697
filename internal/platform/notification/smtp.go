package notification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/icaredata/icare-extract/internal/config"
)

const defaultSMTPPort = 25

// SMTPSender delivers mail through a plain SMTP relay. Authentication is used
// only when a username is configured.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

func NewSMTPSender(info config.NotificationInfo) *SMTPSender {
	port := info.Port
	if port == 0 {
		port = defaultSMTPPort
	}
	return &SMTPSender{
		Host:     info.Host,
		Port:     port,
		Username: info.Username,
		Password: info.Password,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (s *SMTPSender) SendEmail(ctx context.Context, from string, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	if err := s.sendMail(addr, auth, envelopeAddress(from), to, buildMessage(from, to, subject, body, s.now())); err != nil {
		return fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	return nil
}

// envelopeAddress picks the mailbox out of a display-name style sender such
// as "Name Words user@example.org" or "Name <user@example.org>".
func envelopeAddress(from string) string {
	fields := strings.Fields(from)
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.Contains(fields[i], "@") {
			return strings.Trim(fields[i], "<>")
		}
	}
	return from
}

func buildMessage(from string, to []string, subject, body string, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
