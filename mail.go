package main

import (
	"bytes"
	"fmt"
	"net"
	"net/smtp"
	"text/template"
	"time"

	"golang.org/x/exp/slog"
)

type Mailer interface {
	SendWelcome(to, username string) error
}

func NewMailer(cfg SMTPConfig) Mailer {
	if !cfg.Enabled() {
		slog.Info("SMTP not configured, welcome emails disabled")
		return noopMailer{}
	}

	return &SMTPMailer{cfg: cfg}
}

type noopMailer struct{}

func (noopMailer) SendWelcome(string, string) error { return nil }

type SMTPMailer struct {
	cfg SMTPConfig
}

var welcomeTemplate = template.Must(template.New("welcome").Parse(
	"From: {{.From}}\r\n" +
		"To: {{.To}}\r\n" +
		"Subject: Welcome to the gallery\r\n" +
		"Date: {{.Date}}\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		"Hi {{.Username}},\r\n" +
		"\r\n" +
		"Your account has been created. Sign in with your username and enjoy sharing your photos.\r\n",
))

func (m *SMTPMailer) SendWelcome(to, username string) error {
	var msg bytes.Buffer
	err := welcomeTemplate.Execute(&msg, map[string]string{
		"From":     m.cfg.From,
		"To":       to,
		"Username": username,
		"Date":     time.Now().Format(time.RFC1123Z),
	})
	if err != nil {
		return fmt.Errorf("mail: render welcome: %w", err)
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg.Bytes()); err != nil {
		return fmt.Errorf("mail: send welcome to %s: %w", to, err)
	}

	slog.Info("Sent welcome email", "to", to)

	return nil
}
