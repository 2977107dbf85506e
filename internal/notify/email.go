package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// EmailConfig holds SMTP settings for the email dispatcher.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailDispatcher delivers verification codes over SMTP. Transient send
// failures are retried with exponential backoff before being reported.
type EmailDispatcher struct {
	cfg  EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailDispatcher creates an email dispatcher for the given SMTP config.
func NewEmailDispatcher(cfg EmailConfig) *EmailDispatcher {
	return &EmailDispatcher{cfg: cfg, send: smtp.SendMail}
}

// Send emails the code to the address. Retries twice with backoff; the
// returned error means all attempts failed.
func (d *EmailDispatcher) Send(ctx context.Context, subjectID, address, code string, purpose Purpose) error {
	msg := d.buildMessage(address, code, purpose)
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	auth := smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.send(addr, auth, d.cfg.From, []string{address}, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}

	log.Printf("dispatched verification code: subject=%s address=%s purpose=%s", subjectID, MaskAddress(address), purpose)
	return nil
}

func (d *EmailDispatcher) buildMessage(address, code string, purpose Purpose) []byte {
	subject := "Your Login Verification Code - AR Studios"
	if purpose == PurposeSignup {
		subject = "Your Signup Verification Code - AR Studios"
	}

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: AR Studios <%s>\r\n", d.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", address))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody(code, purpose))
	return []byte(msg.String())
}

func htmlBody(code string, purpose Purpose) string {
	heading := "Your Login Verification Code"
	closing := "If you didn't request this code, please ignore this email."
	if purpose == PurposeSignup {
		heading = "Welcome! Verify Your Email"
		closing = "If you didn't create an account, please ignore this email."
	}

	return fmt.Sprintf(`<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="text-align: center; margin-bottom: 30px;">
      <h2 style="color: #6366f1; margin: 0;">AR Studios</h2>
      <p style="color: #666; margin: 5px 0;">Project Management System</p>
    </div>
    <div style="background: #f8fafc; padding: 30px; border-radius: 12px; text-align: center; margin-bottom: 30px;">
      <h3 style="color: #1e293b; margin: 0 0 15px;">%s</h3>
      <div style="background: white; padding: 20px; border-radius: 8px; display: inline-block; border: 2px solid #6366f1;">
        <span style="font-size: 32px; font-weight: bold; color: #6366f1; letter-spacing: 4px;">%s</span>
      </div>
      <p style="color: #64748b; margin: 15px 0 0; font-size: 14px;">This code will expire in 60 seconds</p>
    </div>
    <div style="color: #64748b; font-size: 14px;">
      <p>%s</p>
      <p>For security reasons, this code can only be used once.</p>
    </div>
  </div>
</body>
</html>`, heading, code, closing)
}
