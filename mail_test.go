package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMailer(t *testing.T) {
	assert.IsType(t, noopMailer{}, NewMailer(SMTPConfig{}))
	assert.NoError(t, NewMailer(SMTPConfig{}).SendWelcome("a@example.com", "alice"))

	assert.IsType(t, &SMTPMailer{}, NewMailer(SMTPConfig{Host: "smtp.example.com", Port: "587"}))
}

func TestWelcomeTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := welcomeTemplate.Execute(&buf, map[string]string{
		"From":     "gallery@example.com",
		"To":       "alice@example.com",
		"Username": "alice",
		"Date":     "Mon, 02 Jan 2006 15:04:05 -0700",
	})
	require.NoError(t, err)

	msg := buf.String()
	assert.Contains(t, msg, "To: alice@example.com\r\n")
	assert.Contains(t, msg, "Hi alice,")
	assert.NotContains(t, msg, "password:")
}
