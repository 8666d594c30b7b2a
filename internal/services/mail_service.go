package services

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Mailer delivers staff reports. Failures are per-call; the reconciliation
// worker keeps going when a send fails.
type Mailer interface {
	Send(to, from, subject, body string) error
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	Host string
	Port string
	User string
	Pass string
}

func (m *SMTPMailer) Send(to, from, subject, body string) error {
	if m.Host == "" {
		log.Println("[Mail] SMTP not configured, dropping report for " + to)
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := m.Host + ":" + m.Port

	var auth smtp.Auth
	if m.User != "" {
		auth = smtp.PlainAuth("", m.User, m.Pass, m.Host)
	}

	if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(msg.String())); err != nil {
		log.Printf("[Mail] failed to send report to %s: %v", to, err)
		return err
	}

	return nil
}
