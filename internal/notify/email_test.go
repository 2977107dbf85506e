package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskAddress(t *testing.T) {
	assert.Equal(t, "jo****@example.com", MaskAddress("john42@example.com"))
	assert.Equal(t, "**@example.com", MaskAddress("jo@example.com"))
	assert.Equal(t, "****", MaskAddress("abc"))
	assert.Equal(t, "no********le", MaskAddress("not-an-email"))
}

func TestEmailDispatcher_Send(t *testing.T) {
	d := NewEmailDispatcher(EmailConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "noreply@arstudios.com",
	})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	d.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := d.Send(context.Background(), "user-1", "dest@example.com", "042917", PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "noreply@arstudios.com", gotFrom)
	assert.Equal(t, []string{"dest@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Your Login Verification Code - AR Studios\r\n")
	assert.Contains(t, msg, "042917")
	assert.Contains(t, msg, "This code will expire in 60 seconds")
}

func TestEmailDispatcher_SignupWording(t *testing.T) {
	d := NewEmailDispatcher(EmailConfig{Host: "smtp.example.com", Port: 587, From: "noreply@arstudios.com"})

	var gotMsg []byte
	d.send = func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotMsg = msg
		return nil
	}

	require.NoError(t, d.Send(context.Background(), "user-1", "dest@example.com", "500123", PurposeSignup))
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Your Signup Verification Code - AR Studios\r\n")
	assert.Contains(t, msg, "Welcome! Verify Your Email")
}

func TestEmailDispatcher_RetriesTransientFailure(t *testing.T) {
	d := NewEmailDispatcher(EmailConfig{Host: "smtp.example.com", Port: 587, From: "noreply@arstudios.com"})

	calls := 0
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("connection reset")
		}
		return nil
	}

	err := d.Send(context.Background(), "user-1", "dest@example.com", "042917", PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestEmailDispatcher_ReportsExhaustedRetries(t *testing.T) {
	d := NewEmailDispatcher(EmailConfig{Host: "smtp.example.com", Port: 587, From: "noreply@arstudios.com"})

	calls := 0
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return fmt.Errorf("connection refused")
	}

	err := d.Send(context.Background(), "user-1", "dest@example.com", "042917", PurposeLogin)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
	assert.Equal(t, 3, calls)
}
