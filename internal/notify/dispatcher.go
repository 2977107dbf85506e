package notify

import (
	"context"
	"log"
	"strings"
)

// Purpose selects the message wording for a dispatched code.
type Purpose string

const (
	PurposeLogin  Purpose = "login"
	PurposeSignup Purpose = "signup"
)

// Dispatcher delivers a plaintext verification code to the subject
// out-of-band. A dispatch failure never invalidates the challenge; the
// caller may retry via resend.
type Dispatcher interface {
	Send(ctx context.Context, subjectID, address, code string, purpose Purpose) error
}

// LogDispatcher logs that a dispatch would have happened, for development
// and tests. The code itself is never written to the log.
type LogDispatcher struct{}

// Send logs the dispatch with the address masked.
func (LogDispatcher) Send(_ context.Context, subjectID, address, _ string, purpose Purpose) error {
	log.Printf("dispatch skipped (dev mode): subject=%s address=%s purpose=%s", subjectID, MaskAddress(address), purpose)
	return nil
}

// MaskAddress masks an email address for logging (e.g. jo****@example.com).
func MaskAddress(address string) string {
	at := strings.Index(address, "@")
	if at <= 0 {
		if len(address) <= 4 {
			return "****"
		}
		return address[:2] + strings.Repeat("*", len(address)-4) + address[len(address)-2:]
	}
	local := address[:at]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + address[at:]
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + address[at:]
}
