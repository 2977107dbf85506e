package model

import (
	"time"

	"github.com/google/uuid"
)

// ChallengeStatus is the lifecycle state of a verification challenge.
// Active is the only non-terminal state.
type ChallengeStatus string

const (
	StatusActive     ChallengeStatus = "active"
	StatusVerified   ChallengeStatus = "verified"
	StatusExpired    ChallengeStatus = "expired"
	StatusExhausted  ChallengeStatus = "exhausted"
	StatusSuperseded ChallengeStatus = "superseded"
)

// Challenge represents a single OTP verification challenge. The plaintext
// code is never stored; only its digest is.
type Challenge struct {
	ID           uuid.UUID
	SubjectID    string
	CodeDigest   []byte
	Status       ChallengeStatus
	AttemptsUsed int
	MaxAttempts  int
	CreatedAt    time.Time
	ExpiresAt    time.Time
	VerifiedAt   *time.Time
}

// Terminal reports whether the challenge can no longer transition.
func (c Challenge) Terminal() bool {
	return c.Status != StatusActive
}

// AttemptsRemaining returns how many failed attempts are still allowed.
func (c Challenge) AttemptsRemaining() int {
	remaining := c.MaxAttempts - c.AttemptsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExpiredAt reports whether the challenge is past its expiry at the given
// instant. A challenge expiring exactly now counts as expired.
func (c Challenge) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
